package scraper

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Manager owns the portal session across poll cycles. It logs in lazily and
// re-logs in exactly once when a fetch reports an expired session.
type Manager struct {
	portal  Portal
	session *Session
	log     *zap.Logger
}

// NewManager wraps a Portal
func NewManager(portal Portal, log *zap.Logger) *Manager {
	return &Manager{portal: portal, log: log.Named("session")}
}

// Fetch returns the current records, logging in first if needed
func (m *Manager) Fetch(ctx context.Context) (Result, error) {
	if err := m.ensureSession(ctx); err != nil {
		return Result{}, err
	}

	res, err := m.portal.FetchAll(ctx, m.session)
	if err == nil {
		return res, nil
	}
	if !IsFetchKind(err, SessionExpired) {
		if IsFetchKind(err, Timeout) {
			// A hung page usually means a wedged browser
			m.Reset()
		}
		return Result{}, err
	}

	m.log.Warn("portal session expired, logging in again", zap.Error(err))
	m.Reset()
	if err := m.ensureSession(ctx); err != nil {
		return Result{}, err
	}

	res, err = m.portal.FetchAll(ctx, m.session)
	if err != nil {
		if IsFetchKind(err, SessionExpired) {
			m.Reset()
			return Result{}, fmt.Errorf("session expired again right after re-login: %w", err)
		}
		if IsFetchKind(err, Timeout) {
			m.Reset()
		}
		return Result{}, err
	}
	return res, nil
}

// Session returns the live session, logging in if there is none
func (m *Manager) Session(ctx context.Context) (*Session, error) {
	if err := m.ensureSession(ctx); err != nil {
		return nil, err
	}
	return m.session, nil
}

func (m *Manager) ensureSession(ctx context.Context) error {
	if m.session != nil {
		return nil
	}
	s, err := m.portal.Login(ctx)
	if err != nil {
		return err
	}
	m.session = s
	return nil
}

// Reset discards the session so the next fetch starts with a fresh login
func (m *Manager) Reset() {
	if m.session == nil {
		return
	}
	m.log.Info("dropping portal session", zap.Duration("age", time.Since(m.session.CreatedAt).Round(time.Second)))
	m.portal.Logout(m.session)
	m.session = nil
}

// Close releases the browser
func (m *Manager) Close() {
	m.Reset()
}
