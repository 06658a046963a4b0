// Package fsm implements the device provisioning finite state machine workflow.
// It orchestrates registration, image retrieval, key patching and transfer
// to the board using the superfly/fsm library.
package fsm

import (
	"context"

	"github.com/hubblenetwork/hubbledemo/pkg/errors"
	"github.com/superfly/fsm"
)

// MachineName is the registered name of the provisioning FSM.
const MachineName = "device-provision"

// Build registers the provisioning FSM with manager
func (m *Machine) Build(ctx context.Context, manager *fsm.Manager) (fsm.Start[ProvisionRequest, ProvisionResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[ProvisionRequest, ProvisionResponse](manager, MachineName).
		Start(StateRegister, m.handler(StateRegister, m.Register)).
		To(StateFetch, m.handler(StateFetch, m.Fetch)).
		To(StatePatch, m.handler(StatePatch, m.Patch)).
		To(StateTransfer, m.handler(StateTransfer, m.Transfer)).
		To(StateComplete, m.handler(StateComplete, m.Complete)).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}

// CheckProbeHealth reports "ok" when a debug probe is attached and
// "not_attached" otherwise.
func (m *Machine) CheckProbeHealth(ctx context.Context) string {
	if m.Flasher == nil || !m.Flasher.ProbeAvailable(ctx) {
		return "not_attached"
	}
	return "ok"
}
