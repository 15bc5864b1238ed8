package process

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/petal-labs/mcpfleet/bridge"
	"github.com/petal-labs/mcpfleet/tool"
)

const (
	readinessPollInterval = 100 * time.Millisecond
	readinessDialTimeout  = 500 * time.Millisecond
)

// awaitReady blocks until inst can serve requests or its startup timeout
// expires. stdio tools must complete the MCP handshake; network tools must
// accept TCP connections and then be dialed.
func (m *Manager) awaitReady(ctx context.Context, inst *Instance) error {
	def := inst.def
	timeout := def.StartupTimeout
	if timeout <= 0 {
		timeout = tool.DefaultStartupTimeout
	}
	readyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var err error
	if def.ConnectionType == tool.ConnectionStdio {
		err = m.handshake(readyCtx, inst)
	} else {
		err = m.connect(readyCtx, inst)
	}
	if err == nil {
		return nil
	}

	if readyCtx.Err() != nil && ctx.Err() == nil {
		timeoutErr := tool.NewError(tool.KindProcessTimeout,
			fmt.Sprintf("tool %q not ready within %s", def.Name, timeout), false, err)
		return tool.NewError(tool.KindProcessStart, timeoutErr.Message, false, timeoutErr)
	}
	return tool.NewError(tool.KindProcessStart,
		fmt.Sprintf("tool %q failed to start: %v", def.Name, err), false, err)
}

func (m *Manager) handshake(ctx context.Context, inst *Instance) error {
	result, err := bridge.Initialize(ctx, inst.Transport(), m.cfg.ClientInfo)
	if err != nil {
		if bridge.IsRPCError(err) {
			m.log.Warn("tool rejected initialize; treating it as ready", "tool", inst.ToolName(), "error", err)
			return nil
		}
		return err
	}
	inst.setServer(result)
	if result.ServerInfo != nil {
		m.log.Debug("tool handshake complete",
			"tool", inst.ToolName(),
			"server", result.ServerInfo.Name,
			"server_version", result.ServerInfo.Version,
			"protocol", result.ProtocolVersion,
		)
	}
	return nil
}

func (m *Manager) connect(ctx context.Context, inst *Instance) error {
	def := inst.def
	addr := def.Address()
	for {
		if err := probeTCP(ctx, addr); err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", addr, ctx.Err())
		case <-inst.exited:
			return tool.NewError(tool.KindProcessCrash,
				fmt.Sprintf("tool %q exited before listening on %s", def.Name, addr), false, inst.ExitErr())
		case <-time.After(readinessPollInterval):
		}
	}

	tr, err := bridge.Dial(ctx, def, bridge.DialOptions{
		Logger:     m.log.With("tool", def.Name),
		HTTPClient: m.cfg.HTTPClient,
	})
	if err != nil {
		return err
	}
	inst.setTransport(tr)
	if inst.external() {
		go m.watchExternal(inst, tr)
	}
	return nil
}

func probeTCP(ctx context.Context, addr string) error {
	dialCtx, cancel := context.WithTimeout(ctx, readinessDialTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}
