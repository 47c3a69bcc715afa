// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bizlink/callcore/service/random"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

// Provider acquires media from the host platform. Implementations must not
// leave partially acquired tracks running when returning an error.
type Provider interface {
	AcquireCameraAndMicrophone(ctx context.Context) (*Stream, error)
	AcquireScreenCapture(ctx context.Context) (*Track, error)
}

// SyntheticProvider is a Provider backed by generated devices. Failure modes
// of real hosts (denied prompts, busy devices, dismissed pickers) can be
// configured or toggled at runtime.
type SyntheticProvider struct {
	log mlog.LoggerIFace

	promptDelay     time.Duration
	denyPermission  bool
	unavailable     map[Source]bool
	screenCancelled bool

	active map[string]*Track

	mut sync.Mutex
}

func NewSyntheticProvider(cfg Config, log mlog.LoggerIFace) (*SyntheticProvider, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, err
	}
	if log == nil {
		return nil, fmt.Errorf("log should not be nil")
	}

	p := &SyntheticProvider{
		log:            log,
		promptDelay:    time.Duration(cfg.PromptDelayMs) * time.Millisecond,
		denyPermission: cfg.DenyPermission,
		unavailable:    make(map[Source]bool),
		active:         make(map[string]*Track),
	}
	for _, d := range cfg.UnavailableDevices {
		p.unavailable[Source(d)] = true
	}

	return p, nil
}

func (p *SyntheticProvider) SetPermissionDenied(denied bool) {
	p.mut.Lock()
	p.denyPermission = denied
	p.mut.Unlock()
}

func (p *SyntheticProvider) SetDeviceUnavailable(source Source, unavailable bool) {
	p.mut.Lock()
	p.unavailable[source] = unavailable
	p.mut.Unlock()
}

// SetScreenCaptureCancelled makes the next screen capture prompts behave as
// if the user dismissed the picker.
func (p *SyntheticProvider) SetScreenCaptureCancelled(cancelled bool) {
	p.mut.Lock()
	p.screenCancelled = cancelled
	p.mut.Unlock()
}

// ActiveTracks returns the number of acquired tracks not yet released.
func (p *SyntheticProvider) ActiveTracks() int {
	p.mut.Lock()
	defer p.mut.Unlock()
	return len(p.active)
}

func (p *SyntheticProvider) prompt(ctx context.Context) error {
	if p.promptDelay == 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(p.promptDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *SyntheticProvider) release(t *Track) {
	p.mut.Lock()
	delete(p.active, t.ID())
	p.mut.Unlock()
	p.log.Debug("media: device released", mlog.String("trackID", t.ID()), mlog.String("source", string(t.Source())))
}

func (p *SyntheticProvider) open(source Source) (*Track, error) {
	p.mut.Lock()
	defer p.mut.Unlock()

	if p.unavailable[source] {
		return nil, fmt.Errorf("failed to open %s: %w", source, ErrDeviceUnavailable)
	}

	t := newTrack(genTrackID(source), source.Kind(), source, p.release)
	p.active[t.ID()] = t

	p.log.Debug("media: device opened", mlog.String("trackID", t.ID()), mlog.String("source", string(source)))

	return t, nil
}

func (p *SyntheticProvider) AcquireCameraAndMicrophone(ctx context.Context) (*Stream, error) {
	if err := p.prompt(ctx); err != nil {
		return nil, err
	}

	p.mut.Lock()
	denied := p.denyPermission
	p.mut.Unlock()
	if denied {
		return nil, fmt.Errorf("failed to acquire camera and microphone: %w", ErrPermissionDenied)
	}

	stream := NewStream(random.NewID())
	for _, source := range []Source{SourceMicrophone, SourceCamera} {
		t, err := p.open(source)
		if err != nil {
			stream.StopAll()
			return nil, err
		}
		stream.AddTrack(t)
	}

	return stream, nil
}

func (p *SyntheticProvider) AcquireScreenCapture(ctx context.Context) (*Track, error) {
	if err := p.prompt(ctx); err != nil {
		return nil, err
	}

	p.mut.Lock()
	cancelled := p.screenCancelled
	p.mut.Unlock()
	if cancelled {
		return nil, fmt.Errorf("failed to acquire screen capture: %w", ErrUserCancelled)
	}

	return p.open(SourceScreen)
}
