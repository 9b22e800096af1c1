package scraper

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jgoulah/sajscraper/pkg/models"
)

type fakePortal struct {
	loginErrs []error
	fetches   []fetchResult

	logins  int
	logouts int
	calls   int
}

type fetchResult struct {
	res Result
	err error
}

func (p *fakePortal) Login(context.Context) (*Session, error) {
	p.logins++
	if len(p.loginErrs) > 0 {
		err := p.loginErrs[0]
		p.loginErrs = p.loginErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &Session{}, nil
}

func (p *fakePortal) FetchAll(context.Context, *Session) (Result, error) {
	r := p.fetches[p.calls]
	p.calls++
	return r.res, r.err
}

func (p *fakePortal) Logout(*Session) {
	p.logouts++
}

var expired = &FetchError{Kind: SessionExpired, Err: errors.New("redirected to login page")}

func okResult(serial string) fetchResult {
	return fetchResult{res: Result{Records: []models.RawRecord{{Serial: serial}}}}
}

func TestManager_ReusesSession(t *testing.T) {
	p := &fakePortal{fetches: []fetchResult{okResult("A"), okResult("A")}}
	m := NewManager(p, zaptest.NewLogger(t))

	for i := 0; i < 2; i++ {
		_, err := m.Fetch(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, p.logins)
	assert.Equal(t, 0, p.logouts)
}

func TestManager_RelogsInOnceOnExpiry(t *testing.T) {
	p := &fakePortal{fetches: []fetchResult{{err: expired}, okResult("A")}}
	m := NewManager(p, zaptest.NewLogger(t))

	res, err := m.Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Records, 1)
	assert.Equal(t, 2, p.logins)
	assert.Equal(t, 1, p.logouts)
}

func TestManager_SecondExpirySurfaces(t *testing.T) {
	p := &fakePortal{fetches: []fetchResult{{err: expired}, {err: expired}}}
	m := NewManager(p, zaptest.NewLogger(t))

	_, err := m.Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, IsFetchKind(err, SessionExpired))
	assert.Equal(t, 2, p.logins)
	assert.Equal(t, 2, p.calls)

	// The next cycle starts from a fresh login
	p.fetches = append(p.fetches, okResult("A"))
	_, err = m.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, p.logins)
}

func TestManager_LoginFailure(t *testing.T) {
	authErr := &AuthError{Kind: InvalidCredentials}
	p := &fakePortal{loginErrs: []error{authErr}}
	m := NewManager(p, zaptest.NewLogger(t))

	_, err := m.Fetch(context.Background())
	assert.True(t, IsInvalidCredentials(err))
	assert.Equal(t, 0, p.calls)
}

func TestManager_TimeoutDropsSession(t *testing.T) {
	p := &fakePortal{fetches: []fetchResult{{err: &FetchError{Kind: Timeout}}, okResult("A")}}
	m := NewManager(p, zaptest.NewLogger(t))

	_, err := m.Fetch(context.Background())
	assert.True(t, IsFetchKind(err, Timeout))
	assert.Equal(t, 1, p.logouts)

	_, err = m.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, p.logins)
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	p := &fakePortal{fetches: []fetchResult{okResult("A")}}
	m := NewManager(p, zaptest.NewLogger(t))

	_, err := m.Fetch(context.Background())
	require.NoError(t, err)

	m.Close()
	m.Close()
	assert.Equal(t, 1, p.logouts)
}
