// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package enroll

import (
	"errors"
	"net/http"
)

// The error taxonomy of the provisioning domain. Callers match with
// errors.Is; the facade maps each kind to a stable HTTP status.
var (
	// ErrInvalidInput flags malformed or missing caller-supplied fields
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound flags a referenced token or device that does not exist
	ErrNotFound = errors.New("not found")
	// ErrConflict flags a duplicate unique key or a lost conditional update
	ErrConflict = errors.New("conflict")
	// ErrExpired flags an enrollment token past its expiry
	ErrExpired = errors.New("token has expired")
	// ErrAlreadyFulfilled flags an enrollment token that was already consumed
	ErrAlreadyFulfilled = errors.New("certificate already issued for this token")
	// ErrInvalidState flags an operation that would violate a structural
	// invariant of the device hierarchy
	ErrInvalidState = errors.New("invalid state")
	// ErrCAFailure flags a failed or timed out certificate signing operation
	ErrCAFailure = errors.New("certificate authority failure")
	// ErrStoreFailure flags an unavailable store or an aborted transaction
	ErrStoreFailure = errors.New("store failure")
)

// HTTPStatus maps a domain error to its HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrExpired):
		return http.StatusGone
	case errors.Is(err, ErrAlreadyFulfilled),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, ErrCAFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
