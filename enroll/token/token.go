// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package token implements the enrollment token manager. A token is issued
// with a limited lifetime, bound to a generated subject identity, and can be
// exchanged exactly once for a signed device certificate.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/provisio/core/logger"
	"github.com/relabs-tech/provisio/enroll"
)

// Archiver persists issued certificates for later download.
type Archiver interface {
	Store(ctx context.Context, key string, data []byte) error
}

// Builder is a builder helper for the Manager
type Builder struct {
	// Store is the identity store for tokens. This is mandatory.
	Store enroll.TokenStore
	// Signer is the certificate authority gateway. This is mandatory.
	Signer enroll.Signer
	// Archive receives a copy of every issued certificate. Optional.
	Archive Archiver
	// SignTimeout bounds the certificate authority call.
	// Default is 30 seconds.
	SignTimeout time.Duration
	// Now is the clock of the manager, for tests. Default is time.Now.
	Now func() time.Time
}

// Manager issues and consumes enrollment tokens.
type Manager struct {
	store       enroll.TokenStore
	signer      enroll.Signer
	archive     Archiver
	signTimeout time.Duration
	now         func() time.Time
}

// New returns a new token manager.
func New(b *Builder) *Manager {
	if b.Store == nil {
		panic("token store is missing")
	}
	if b.Signer == nil {
		panic("signer is missing")
	}
	m := &Manager{
		store:       b.Store,
		signer:      b.Signer,
		archive:     b.Archive,
		signTimeout: b.SignTimeout,
		now:         b.Now,
	}
	if m.signTimeout == 0 {
		m.signTimeout = 30 * time.Second
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Issue creates a new pending token which expires after ttlMinutes.
func (m *Manager) Issue(ctx context.Context, ttlMinutes int) (*enroll.Token, error) {
	if ttlMinutes <= 0 {
		return nil, fmt.Errorf("ttl must be a positive number of minutes: %w", enroll.ErrInvalidInput)
	}
	now := m.now().UTC()
	t := &enroll.Token{
		ID:        uuid.NewString(),
		SubjectID: uuid.New(),
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Duration(ttlMinutes) * time.Minute),
	}
	if err := m.store.CreateToken(ctx, t); err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Debugln("issued enrollment token for subject", t.SubjectID)
	return t, nil
}

// Submit consumes a pending token: it records the declared device metadata,
// has the certificate authority sign a certificate for the token's subject
// identity and transitions the token to fulfilled.
//
// Submit fails with ErrInvalidInput on missing fields, ErrNotFound on an
// unknown token, ErrExpired past the token's expiry and ErrAlreadyFulfilled
// once a certificate was issued. When signing fails the token remains
// pending and can be submitted again.
//
// Two concurrent submissions for the same token cannot both succeed: the
// conditional update in the store is the single-winner gate, the loser
// observes ErrAlreadyFulfilled.
func (m *Manager) Submit(ctx context.Context, tokenID, deviceType, chip, version string) (*enroll.Token, *enroll.Credentials, error) {
	if len(tokenID) == 0 || len(deviceType) == 0 || len(chip) == 0 || len(version) == 0 {
		return nil, nil, fmt.Errorf("all fields are required: %w", enroll.ErrInvalidInput)
	}

	t, err := m.store.GetToken(ctx, tokenID)
	if err != nil {
		return nil, nil, err
	}
	switch t.State(m.now()) {
	case enroll.TokenExpired:
		return nil, nil, enroll.ErrExpired
	case enroll.TokenFulfilled:
		return nil, nil, enroll.ErrAlreadyFulfilled
	}

	signCtx, cancel := context.WithTimeout(ctx, m.signTimeout)
	defer cancel()
	creds, err := m.signer.Sign(signCtx, t.SubjectID.String())
	if err != nil {
		// the token remains pending, the caller may submit again
		return nil, nil, err
	}

	t.DeviceType = deviceType
	t.Chip = chip
	t.Version = version
	t.CertificateRef = t.SubjectID.String() + ".crt"

	if err := m.store.FulfillToken(ctx, t, m.now()); err != nil {
		if errors.Is(err, enroll.ErrConflict) {
			return nil, nil, m.classifyLostFulfillment(ctx, tokenID)
		}
		return nil, nil, err
	}

	rlog := logger.FromContext(ctx)
	if m.archive != nil {
		if err := m.archive.Store(ctx, t.CertificateRef, []byte(creds.CertificatePEM)); err != nil {
			// the certificate is recorded on the token and returned to the
			// caller, a failed archive copy is not worth failing the enrollment
			rlog.WithError(err).Warnln("could not archive certificate", t.CertificateRef)
		}
	}
	rlog.Infoln("issued certificate for subject", t.SubjectID)

	return t, creds, nil
}

// classifyLostFulfillment turns a lost conditional update into the
// user-visible error: the token was either fulfilled by a concurrent
// submission, or it expired between validation and commit.
func (m *Manager) classifyLostFulfillment(ctx context.Context, tokenID string) error {
	t, err := m.store.GetToken(ctx, tokenID)
	if err != nil {
		return err
	}
	switch t.State(m.now()) {
	case enroll.TokenFulfilled:
		return enroll.ErrAlreadyFulfilled
	case enroll.TokenExpired:
		return enroll.ErrExpired
	}
	return fmt.Errorf("token %s: %w", tokenID, enroll.ErrConflict)
}
