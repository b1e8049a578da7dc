package flow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hearthview/hearthview/internal/auth/autherr"
	"github.com/hearthview/hearthview/internal/backend"
)

// PairingBackend is the slice of the token service the hybrid flow
// needs: issuing its own device codes and reporting pairing progress.
type PairingBackend interface {
	CreateDeviceCode(ctx context.Context, provider string) (*backend.DeviceGrant, error)
	PollDeviceCode(ctx context.Context, deviceCode string) (*backend.DevicePollResult, error)
}

// HybridFlow pairs a TV-class device through the dashboard's own
// backend: the code is brokered server-side, the verification URL is
// the dashboard's pairing page, and a phone completes a normal OAuth
// login there. On authorization the backend hands the internal session
// token over directly; no provider refresh token ever reaches this
// device.
type HybridFlow struct {
	svc        PairingBackend
	providerID string
	prompt     PromptFunc
	countdown  CountdownFunc

	unit time.Duration

	mu     sync.Mutex
	timers *timerSet
}

// NewHybridFlow creates the flow against the given token service.
func NewHybridFlow(svc PairingBackend, providerID string, prompt PromptFunc, countdown CountdownFunc) *HybridFlow {
	return &HybridFlow{
		svc:        svc,
		providerID: providerID,
		prompt:     prompt,
		countdown:  countdown,
		unit:       time.Second,
	}
}

func (f *HybridFlow) Name() string { return MethodHybrid }

func (f *HybridFlow) Capabilities() Capabilities {
	return Capabilities{DisplaysCode: true, ReturnsSession: true}
}

// Cancel aborts an in-flight pairing; both timers stop together and the
// pending SignIn returns ErrUserCancelled.
func (f *HybridFlow) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.timers != nil {
		f.timers.stop()
	}
}

func (f *HybridFlow) Cleanup() { f.Cancel() }

// SignIn requests a pairing code from the backend, displays it, and
// polls the backend's status endpoint until the phone-side login
// authorizes it.
func (f *HybridFlow) SignIn(ctx context.Context, _ Options) (*Result, error) {
	if f.svc == nil {
		return nil, &autherr.ConfigurationError{Flow: MethodHybrid, Reason: "no token service configured"}
	}

	grant, err := f.svc.CreateDeviceCode(ctx, f.providerID)
	if err != nil {
		return nil, err
	}

	interval := effectiveInterval(grant.Interval)
	maxAttempts := maxPollAttempts(grant.ExpiresIn, interval)

	if f.prompt != nil {
		f.prompt(CodePrompt{UserCode: grant.UserCode, VerificationURI: grant.VerificationURI, ExpiresIn: grant.ExpiresIn})
	}

	ts := newTimerSet(time.Duration(interval)*f.unit, f.unit)
	f.mu.Lock()
	f.timers = ts
	f.mu.Unlock()
	defer func() {
		ts.stop()
		f.mu.Lock()
		f.timers = nil
		f.mu.Unlock()
	}()

	remaining := grant.ExpiresIn
	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ts.done():
			return nil, autherr.ErrUserCancelled
		case <-ts.countdown.C:
			if ts.stopped() {
				return nil, autherr.ErrUserCancelled
			}
			remaining--
			if f.countdown != nil {
				f.countdown(time.Duration(remaining) * time.Second)
			}
			if remaining <= 0 {
				return nil, autherr.ErrTimeout
			}
		case <-ts.poll.C:
			if ts.stopped() {
				return nil, autherr.ErrUserCancelled
			}
			if attempts >= maxAttempts {
				return nil, autherr.ErrTimeout
			}
			attempts++

			poll, err := f.svc.PollDeviceCode(ctx, grant.DeviceCode)
			if err != nil {
				var netErr *autherr.NetworkError
				if errors.As(err, &netErr) {
					log.Printf("⏳ Pairing poll transport failure, retrying next tick: %v", netErr)
					continue
				}
				return nil, err
			}

			switch poll.Status {
			case backend.DeviceStatusPending:
				// keep waiting
			case backend.DeviceStatusExpired:
				return nil, autherr.ErrTimeout
			case backend.DeviceStatusAuthorized:
				log.Printf("✅ Pairing authorized for %s", poll.User.Email)
				return &Result{
					Method:           MethodHybrid,
					User:             poll.User,
					SessionToken:     poll.JWTToken,
					SessionExpiresAt: poll.ExpiresAt,
				}, nil
			default:
				return nil, fmt.Errorf("unexpected pairing status %q", poll.Status)
			}
		}
	}
}
