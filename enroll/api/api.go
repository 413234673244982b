// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package api is the RESTful facade of the provisioning service. It mounts
// the enrollment token routes, the certificate download routes and the
// device registry routes on a mux router and translates between HTTP and
// the domain packages.
package api

import (
	"context"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/provisio/core/access"
	"github.com/relabs-tech/provisio/core/logger"
	"github.com/relabs-tech/provisio/core/schema"
	"github.com/relabs-tech/provisio/enroll"
	"github.com/relabs-tech/provisio/enroll/certstore"
	"github.com/relabs-tech/provisio/enroll/notify"
	"github.com/relabs-tech/provisio/enroll/registry"
	"github.com/relabs-tech/provisio/enroll/token"
)

// deviceSchemaID is the $id of the optional device payload schema.
const deviceSchemaID = "device.json"

// DeviceSchema is the JSON schema for device create and update payloads.
// A validator built from it rejects unknown fields and malformed roles
// before the payload reaches the registry.
const DeviceSchema = `{
	"$id": "device.json",
	"type": "object",
	"properties": {
		"uuid": { "type": "string" },
		"device_type": { "type": "string" },
		"chip": { "type": "string" },
		"version": { "type": "string" },
		"role": { "type": "string", "enum": ["standalone", "gateway", "enddevice"] },
		"parent_gateway_id": { "type": "string" }
	},
	"additionalProperties": false
}`

// API is the RESTful interface of the provisioning service
type API struct {
	tokens    *token.Manager
	registry  *registry.Registry
	rootCert  []byte
	archive   certstore.Driver
	notifier  *notify.Publisher
	validator *schema.Validator
}

// Builder is a builder helper for the API
type Builder struct {
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// Tokens is the enrollment token manager. This is mandatory.
	Tokens *token.Manager
	// Registry is the device hierarchy registry. This is mandatory.
	Registry *registry.Registry
	// RootCertificatePEM is the PEM-encoded CA certificate served on the
	// root certificate route. This is mandatory.
	RootCertificatePEM []byte
	// Archive is the certificate archive download source. Optional; without
	// it the certificate download route is not mounted.
	Archive certstore.Driver
	// Notifier publishes lifecycle events. Optional.
	Notifier *notify.Publisher
	// Validator validates device payloads against the "device.json" schema
	// when it carries one. Optional.
	Validator *schema.Validator
}

// New realizes the RESTful facade and adds all routes to the router.
func New(b *Builder) *API {
	if b.Router == nil {
		panic("router is missing")
	}
	if b.Tokens == nil {
		panic("token manager is missing")
	}
	if b.Registry == nil {
		panic("registry is missing")
	}
	if len(b.RootCertificatePEM) == 0 {
		panic("root certificate is missing")
	}
	a := &API{
		tokens:    b.Tokens,
		registry:  b.Registry,
		rootCert:  b.RootCertificatePEM,
		archive:   b.Archive,
		notifier:  b.Notifier,
		validator: b.Validator,
	}
	a.handleRoutes(b.Router)
	return a
}

func (a *API) handleRoutes(router *mux.Router) {
	log.Println("provisioning api: handle route /api/token/generate POST")
	log.Println("provisioning api: handle route /api/token/submit POST")
	log.Println("provisioning api: handle route /api/cert/ca GET")
	log.Println("provisioning api: handle route /api/devices GET,POST")
	log.Println("provisioning api: handle route /api/devices/{device_id} GET,PUT,DELETE")
	log.Println("provisioning api: handle route /api/devices/{gateway_id}/enddevices GET,POST")
	log.Println("provisioning api: handle route /api/devices/{gateway_id}/enddevices/{device_id} DELETE")

	router.HandleFunc("/api/token/generate", a.generateToken).
		Methods(http.MethodOptions, http.MethodPost)
	router.HandleFunc("/api/token/submit", a.submitToken).
		Methods(http.MethodOptions, http.MethodPost)

	// the protected variants require an authenticated account
	router.HandleFunc("/api/token/generate-protected", a.protected(a.generateToken)).
		Methods(http.MethodOptions, http.MethodPost)
	router.HandleFunc("/api/token/submit-protected", a.protected(a.submitToken)).
		Methods(http.MethodOptions, http.MethodPost)

	router.HandleFunc("/api/cert/ca", a.rootCertificate).
		Methods(http.MethodOptions, http.MethodGet)
	if a.archive != nil {
		log.Println("provisioning api: handle route /certs/{name} GET")
		router.HandleFunc("/certs/{name}", a.downloadCertificate).
			Methods(http.MethodOptions, http.MethodGet)
	}

	router.HandleFunc("/api/devices", a.protected(a.createDevice)).
		Methods(http.MethodOptions, http.MethodPost)
	router.HandleFunc("/api/devices", a.protected(a.listDevices)).
		Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/api/devices/{device_id}", a.protected(a.getDevice)).
		Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/api/devices/{device_id}", a.protected(a.updateDevice)).
		Methods(http.MethodOptions, http.MethodPut)
	router.HandleFunc("/api/devices/{device_id}", a.protected(a.deleteDevice)).
		Methods(http.MethodOptions, http.MethodDelete)

	router.HandleFunc("/api/devices/{gateway_id}/enddevices", a.protected(a.attachEndDevice)).
		Methods(http.MethodOptions, http.MethodPost)
	router.HandleFunc("/api/devices/{gateway_id}/enddevices", a.protected(a.listEndDevices)).
		Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/api/devices/{gateway_id}/enddevices/{device_id}", a.protected(a.detachEndDevice)).
		Methods(http.MethodOptions, http.MethodDelete)
}

// protected wraps a handler and rejects requests without an authenticated
// account. The jwt middleware on the router does the authentication.
func (a *API) protected(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		if !auth.HasRole("account") {
			http.Error(w, "account not authorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := enroll.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).WithError(err).Errorln("request failed")
	}
	http.Error(w, err.Error(), status)
}

func (a *API) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (a *API) publish(r *http.Request, operation, subject string) {
	// detached from the request context, the response does not wait for kafka
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.notifier.Publish(ctx, operation, subject)
	}()
}

func (a *API) generateToken(w http.ResponseWriter, r *http.Request) {
	var request struct {
		TimeInMinutes int `json:"timeInMinutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid timeInMinutes", http.StatusBadRequest)
		return
	}
	t, err := a.tokens.Issue(r.Context(), request.TimeInMinutes)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.publish(r, notify.OperationTokenIssued, t.SubjectID.String())
	a.writeJSON(w, http.StatusCreated, struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
		UUID      uuid.UUID `json:"uuid"`
	}{t.ID, t.ExpiresAt, t.SubjectID})
}

func (a *API) submitToken(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Token      string `json:"token"`
		DeviceType string `json:"device_type"`
		Chip       string `json:"chip"`
		Version    string `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	t, creds, err := a.tokens.Submit(r.Context(), request.Token, request.DeviceType, request.Chip, request.Version)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.publish(r, notify.OperationCertificateIssued, t.SubjectID.String())
	a.writeJSON(w, http.StatusOK, creds)
}

func (a *API) rootCertificate(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Write(a.rootCert)
}

func (a *API) downloadCertificate(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	data, err := a.archive.Load(r.Context(), name)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Write(data)
}

type devicePayload struct {
	UUID            *string    `json:"uuid"`
	DeviceType      *string    `json:"device_type"`
	Chip            *string    `json:"chip"`
	Version         *string    `json:"version"`
	Role            *string    `json:"role"`
	ParentGatewayID *uuid.UUID `json:"parent_gateway_id"`
}

func (a *API) readDevicePayload(r *http.Request) (*devicePayload, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, enroll.ErrInvalidInput
	}
	if a.validator != nil && a.validator.HasSchema(deviceSchemaID) {
		if err := a.validator.ValidateString(string(body), deviceSchemaID); err != nil {
			return nil, enroll.ErrInvalidInput
		}
	}
	payload := devicePayload{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, enroll.ErrInvalidInput
	}
	return &payload, nil
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (a *API) createDevice(w http.ResponseWriter, r *http.Request) {
	auth := access.AuthorizationFromContext(r.Context())
	payload, err := a.readDevicePayload(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	device, err := a.registry.Create(r.Context(), registry.CreateRequest{
		OwnerID:         auth.AccountID,
		UUID:            stringValue(payload.UUID),
		DeviceType:      stringValue(payload.DeviceType),
		Chip:            stringValue(payload.Chip),
		Version:         stringValue(payload.Version),
		Role:            enroll.Role(stringValue(payload.Role)),
		ParentGatewayID: payload.ParentGatewayID,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.publish(r, notify.OperationDeviceCreated, device.ID.String())
	a.writeJSON(w, http.StatusCreated, device)
}

func (a *API) listDevices(w http.ResponseWriter, r *http.Request) {
	auth := access.AuthorizationFromContext(r.Context())
	filter := enroll.DeviceFilter{
		DeviceType: r.URL.Query().Get("device_type"),
	}
	switch owner := r.URL.Query().Get("owner"); owner {
	case "":
		// all devices
	case "me":
		filter.OwnerID = &auth.AccountID
	default:
		ownerID, err := uuid.Parse(owner)
		if err != nil {
			http.Error(w, "invalid owner", http.StatusBadRequest)
			return
		}
		filter.OwnerID = &ownerID
	}
	devices, err := a.registry.List(r.Context(), filter)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, devices)
}

func deviceID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		return uuid.Nil, enroll.ErrInvalidInput
	}
	return id, nil
}

func (a *API) getDevice(w http.ResponseWriter, r *http.Request) {
	id, err := deviceID(r, "device_id")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	device, err := a.registry.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, device)
}

func (a *API) updateDevice(w http.ResponseWriter, r *http.Request) {
	id, err := deviceID(r, "device_id")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	payload, err := a.readDevicePayload(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var role *enroll.Role
	if payload.Role != nil {
		value := enroll.Role(*payload.Role)
		role = &value
	}
	device, err := a.registry.Update(r.Context(), id, registry.UpdateRequest{
		UUID:       payload.UUID,
		DeviceType: payload.DeviceType,
		Chip:       payload.Chip,
		Version:    payload.Version,
		Role:       role,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.publish(r, notify.OperationDeviceUpdated, device.ID.String())
	a.writeJSON(w, http.StatusOK, device)
}

func (a *API) deleteDevice(w http.ResponseWriter, r *http.Request) {
	id, err := deviceID(r, "device_id")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.registry.Delete(r.Context(), id); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.publish(r, notify.OperationDeviceDeleted, id.String())
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) attachEndDevice(w http.ResponseWriter, r *http.Request) {
	auth := access.AuthorizationFromContext(r.Context())
	gatewayID, err := deviceID(r, "gateway_id")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var request struct {
		UUID    string `json:"uuid"`
		Version string `json:"version"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	child, err := a.registry.AttachEndDevice(r.Context(), gatewayID, auth.AccountID, request.UUID, request.Version)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.publish(r, notify.OperationDeviceAttached, child.ID.String())
	a.writeJSON(w, http.StatusCreated, child)
}

func (a *API) listEndDevices(w http.ResponseWriter, r *http.Request) {
	gatewayID, err := deviceID(r, "gateway_id")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	typeFilter := "ZigbeeDevice"
	if r.URL.Query().Has("device_type") {
		typeFilter = r.URL.Query().Get("device_type")
	}
	children, err := a.registry.ListChildrenByType(r.Context(), gatewayID, typeFilter)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, children)
}

func (a *API) detachEndDevice(w http.ResponseWriter, r *http.Request) {
	gatewayID, err := deviceID(r, "gateway_id")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	childID, err := deviceID(r, "device_id")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.registry.DetachEndDevice(r.Context(), gatewayID, childID); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.publish(r, notify.OperationDeviceDetached, childID.String())
	w.WriteHeader(http.StatusNoContent)
}
