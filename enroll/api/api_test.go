// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package api

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/provisio/core/access"
	"github.com/relabs-tech/provisio/core/client"
	"github.com/relabs-tech/provisio/core/logger"
	"github.com/relabs-tech/provisio/core/schema"
	"github.com/relabs-tech/provisio/enroll"
	"github.com/relabs-tech/provisio/enroll/ca"
	"github.com/relabs-tech/provisio/enroll/certstore"
	"github.com/relabs-tech/provisio/enroll/registry"
	"github.com/relabs-tech/provisio/enroll/store/memory"
	"github.com/relabs-tech/provisio/enroll/token"
)

const testJwtSecret = "test-secret"

type testService struct {
	router    *mux.Router
	accountID uuid.UUID
	rootCert  []byte
}

func newTestService(t *testing.T) *testService {
	t.Helper()

	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Root CA"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(caKey),
	})

	signer, err := ca.NewFromPEM(certPEM, keyPEM, 0, 2048)
	require.NoError(t, err)

	archive, err := certstore.NewLocalFilesystem(t.TempDir())
	require.NoError(t, err)

	validator, err := schema.NewValidator([]string{DeviceSchema}, []string{})
	require.NoError(t, err)

	store := memory.New()
	router := mux.NewRouter()
	logger.AddRequestID(router)
	router.Use(access.NewJwtMiddleware(&access.JwtMiddlewareBuilder{Secret: testJwtSecret}))

	New(&Builder{
		Router:             router,
		Tokens:             token.New(&token.Builder{Store: store, Signer: signer, Archive: archive}),
		Registry:           registry.New(&registry.Builder{Store: store}),
		RootCertificatePEM: certPEM,
		Archive:            archive,
		Validator:          validator,
	})

	return &testService{
		router:    router,
		accountID: uuid.New(),
		rootCert:  certPEM,
	}
}

func (s *testService) anonymous() client.Client {
	return client.NewWithRouter(s.router)
}

func (s *testService) account() client.Client {
	return client.NewWithRouter(s.router).WithAuthorization(&access.Authorization{
		Roles:     []string{"account"},
		AccountID: s.accountID,
	})
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	UUID      uuid.UUID `json:"uuid"`
}

func (s *testService) enroll(t *testing.T, cl client.Client) (tokenResponse, enroll.Credentials) {
	t.Helper()
	var issued tokenResponse
	status, err := cl.RawPost("/api/token/generate", map[string]int{"timeInMinutes": 10}, &issued)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, status)

	var creds enroll.Credentials
	status, err = cl.RawPost("/api/token/submit", map[string]string{
		"token":       issued.Token,
		"device_type": "Sensor",
		"chip":        "ESP32",
		"version":     "2.1",
	}, &creds)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
	return issued, creds
}

func TestTokenEnrollmentFlow(t *testing.T) {
	s := newTestService(t)
	cl := s.anonymous()

	issued, creds := s.enroll(t, cl)
	assert.NotEmpty(t, issued.Token)
	assert.True(t, issued.ExpiresAt.After(time.Now()))
	assert.Equal(t, issued.UUID.String(), creds.SubjectID)
	assert.Contains(t, creds.CertificatePEM, "BEGIN CERTIFICATE")
	assert.Contains(t, creds.PrivateKeyPEM, "BEGIN RSA PRIVATE KEY")

	// a token is single use
	status, err := cl.RawPost("/api/token/submit", map[string]string{
		"token":       issued.Token,
		"device_type": "Sensor",
		"chip":        "ESP32",
		"version":     "2.1",
	}, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusConflict, status)

	// unknown tokens and missing fields are rejected
	status, _ = cl.RawPost("/api/token/submit", map[string]string{
		"token": "no-such-token", "device_type": "Sensor", "chip": "ESP32", "version": "2.1",
	}, nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = cl.RawPost("/api/token/submit", map[string]string{"token": issued.Token}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = cl.RawPost("/api/token/generate", map[string]int{"timeInMinutes": 0}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestProtectedTokenRoutes(t *testing.T) {
	s := newTestService(t)

	status, _ := s.anonymous().RawPost("/api/token/generate-protected", map[string]int{"timeInMinutes": 10}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	var issued tokenResponse
	status, err := s.account().RawPost("/api/token/generate-protected", map[string]int{"timeInMinutes": 10}, &issued)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.NotEmpty(t, issued.Token)
}

func TestJwtAuthentication(t *testing.T) {
	s := newTestService(t)

	bearer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   s.accountID.String(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testJwtSecret))
	require.NoError(t, err)

	cl := s.anonymous().WithHeader("Authorization", "Bearer "+bearer)
	status, err := cl.RawPost("/api/token/generate-protected", map[string]int{"timeInMinutes": 10}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)

	badClient := s.anonymous().WithHeader("Authorization", "Bearer not-a-token")
	status, _ = badClient.RawPost("/api/token/generate-protected", map[string]int{"timeInMinutes": 10}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestRootCertificate(t *testing.T) {
	s := newTestService(t)

	var body []byte
	status, err := s.anonymous().RawGet("/api/cert/ca", &body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, s.rootCert, body)
}

func TestCertificateDownload(t *testing.T) {
	s := newTestService(t)
	cl := s.anonymous()

	issued, creds := s.enroll(t, cl)

	var body []byte
	status, err := cl.RawGet("/certs/"+issued.UUID.String()+".crt", &body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, creds.CertificatePEM, string(body))

	status, _ = cl.RawGet("/certs/no-such-cert.crt", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestDeviceCRUD(t *testing.T) {
	s := newTestService(t)
	cl := s.account()

	// device routes require an account
	status, _ := s.anonymous().RawGet("/api/devices", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	var created enroll.Device
	status, err := cl.RawPost("/api/devices", map[string]string{
		"uuid":        "dev-1",
		"device_type": "Sensor",
		"chip":        "ESP32",
		"version":     "1.0",
	}, &created)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, s.accountID, created.OwnerID)
	assert.Equal(t, enroll.RoleStandalone, created.Role)

	status, _ = cl.RawPost("/api/devices", map[string]string{"uuid": "dev-1"}, nil)
	assert.Equal(t, http.StatusConflict, status)

	var devices []enroll.Device
	_, err = cl.RawGet("/api/devices?owner=me", &devices)
	require.NoError(t, err)
	require.Len(t, devices, 1)

	var read enroll.Device
	_, err = cl.RawGet("/api/devices/"+created.ID.String(), &read)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", read.UUID)

	var updated enroll.Device
	status, err = cl.RawPut("/api/devices/"+created.ID.String(), map[string]string{
		"version": "2.0",
	}, &updated)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "2.0", updated.Version)
	assert.Equal(t, "Sensor", updated.DeviceType)

	status, err = cl.RawDelete("/api/devices/" + created.ID.String())
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)

	status, _ = cl.RawGet("/api/devices/"+created.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestDevicePayloadValidation(t *testing.T) {
	s := newTestService(t)
	cl := s.account()

	// unknown fields only the schema can catch, json decoding would
	// silently drop them
	status, _ := cl.RawPost("/api/devices", map[string]string{
		"uuid": "dev-1", "flavor": "blue",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = cl.RawPost("/api/devices", map[string]string{
		"uuid": "dev-1", "role": "pirate",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	var created enroll.Device
	status, err := cl.RawPost("/api/devices", map[string]string{
		"uuid": "dev-1", "device_type": "Sensor", "chip": "ESP32", "version": "1.0",
	}, &created)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)

	status, _ = cl.RawPut("/api/devices/"+created.ID.String(), map[string]string{
		"version": "2.0", "flavor": "blue",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestEndDeviceLifecycle(t *testing.T) {
	s := newTestService(t)
	cl := s.account()

	var gateway enroll.Device
	_, err := cl.RawPost("/api/devices", map[string]string{
		"uuid": "gw-1", "device_type": "Gateway", "chip": "ESP32", "version": "1.0", "role": "gateway",
	}, &gateway)
	require.NoError(t, err)

	var child enroll.Device
	status, err := cl.RawPost("/api/devices/"+gateway.ID.String()+"/enddevices", map[string]string{}, &child)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.True(t, strings.HasPrefix(child.UUID, "zigbee-"))
	assert.Equal(t, "ZigbeeDevice", child.DeviceType)
	assert.Equal(t, s.accountID, child.OwnerID)

	var children []enroll.Device
	_, err = cl.RawGet("/api/devices/"+gateway.ID.String()+"/enddevices", &children)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, child.ID, children[0].ID)

	// the gateway cannot be deleted while the end device is attached
	status, _ = cl.RawDelete("/api/devices/" + gateway.ID.String())
	assert.Equal(t, http.StatusConflict, status)

	status, err = cl.RawDelete("/api/devices/" + gateway.ID.String() + "/enddevices/" + child.ID.String())
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)

	_, err = cl.RawGet("/api/devices/"+gateway.ID.String()+"/enddevices", &children)
	require.NoError(t, err)
	assert.Empty(t, children)

	status, err = cl.RawDelete("/api/devices/" + gateway.ID.String())
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)
}
