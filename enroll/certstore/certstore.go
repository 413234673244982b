// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package certstore provides the certificate archive. Every issued device
// certificate is stored under its certificate reference and can be
// downloaded again later, either from the local filesystem or from AWS S3.
package certstore

import "context"

// Driver is the interface for certificate archive drivers.
type Driver interface {
	// Store persists data under the key, overwriting any previous content.
	Store(ctx context.Context, key string, data []byte) error
	// Load reads the data stored under the key.
	Load(ctx context.Context, key string) ([]byte, error)
	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns all stored keys with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// DriverType designates one of the supported archive drivers.
type DriverType string

// the supported archive drivers
const (
	DriverTypeLocal DriverType = "local"
	DriverTypeS3    DriverType = "s3"
	DriverTypeNone  DriverType = ""
)
