// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package enroll contains the domain model for device provisioning: short-lived
enrollment tokens which are exchanged for device certificates, and a
hierarchical device registry which models gateway and end-device
relationships.

The sub-packages provide the moving parts: token (enrollment token manager),
ca (certificate authority gateway), registry (device hierarchy registry),
store (identity store adapters), certstore (issued certificate archive),
notify (lifecycle events) and api (the REST facade).
*/
package enroll
