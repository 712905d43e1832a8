package proposals

import (
	"context"
	"fmt"

	"github.com/stake-plus/member-proposals/src/actions/core"
	"github.com/stake-plus/member-proposals/src/lifecycle"
)

var _ core.Module = (*EngineModule)(nil)

// EngineModule recovers persisted proposals on start and releases the
// engine's resources on stop.
type EngineModule struct {
	engine  *lifecycle.Engine
	closers []func()
}

func NewEngineModule(engine *lifecycle.Engine, closers ...func()) *EngineModule {
	return &EngineModule{engine: engine, closers: closers}
}

func (m *EngineModule) Name() string { return "lifecycle" }

func (m *EngineModule) Start(ctx context.Context) error {
	if _, err := m.engine.Recover(ctx); err != nil {
		return fmt.Errorf("recover proposals: %w", err)
	}
	return nil
}

func (m *EngineModule) Stop(context.Context) {
	m.engine.Close()
	for _, c := range m.closers {
		c()
	}
}
