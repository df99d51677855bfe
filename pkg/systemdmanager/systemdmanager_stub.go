//go:build !linux

package systemdmanager

import "context"

type Manager struct{}

func New(ctx context.Context) (*Manager, error) {
	_ = ctx
	return nil, ErrUnsupported
}

func (m *Manager) Close() error { return nil }

func (m *Manager) Do(ctx context.Context, unit string, action Action) error {
	_, _, _ = ctx, unit, action
	return ErrUnsupported
}
