// Package tools registers the representative example tools named in
// spec.md §8's end-to-end scenarios, closing over the collaborators
// package. Tool handlers are deliberately thin glue (spec.md §1), grounded
// on original_source/.../tools/*.py for naming and level assignment.
package tools

import (
	"context"
	"fmt"

	"github.com/widip-ai/ctrlplane/internal/collaborators"
	"github.com/widip-ai/ctrlplane/internal/contracts"
	"github.com/widip-ai/ctrlplane/internal/registry"
	"github.com/widip-ai/ctrlplane/internal/state"
)

// Collaborators bundles the external-system clients the example tools
// close over at registration time.
type Collaborators struct {
	Ticketing  collaborators.Ticketing
	Monitoring collaborators.NetworkMonitor
	Directory  collaborators.Directory
	State      *state.Store
}

// RegisterAll registers every example tool named in spec.md §8 onto reg.
func RegisterAll(reg *registry.Registry, deps Collaborators) error {
	registrations := []contracts.Tool{
		getDeviceStatus(deps),
		createTicket(deps),
		resetPassword(deps),
		createUser(deps),
		enrichDeviceDiagnostics(deps),
	}
	for _, t := range registrations {
		if err := reg.Register(t); err != nil {
			return fmt.Errorf("tools: registering %q: %w", t.Name, err)
		}
	}
	return nil
}

func getDeviceStatus(deps Collaborators) contracts.Tool {
	return contracts.Tool{
		Name:        "get_device_status",
		Description: "Reads the current status of a network device.",
		Level:       contracts.L0,
		Params: []contracts.ParamSchema{
			{Name: "device_name", Kind: contracts.KindString, Required: true},
		},
		Handler: func(ctx context.Context, _ *contracts.ExecutionContext, args map[string]any) (map[string]any, error) {
			deviceName, _ := args["device_name"].(string)
			if deps.Monitoring == nil {
				return map[string]any{"device": deviceName, "status": "unknown"}, nil
			}
			return deps.Monitoring.DeviceStatus(ctx, deviceName)
		},
	}
}

func createTicket(deps Collaborators) contracts.Tool {
	return contracts.Tool{
		Name:        "create_ticket",
		Description: "Opens a helpdesk ticket.",
		Level:       contracts.L1,
		Params: []contracts.ParamSchema{
			{Name: "title", Kind: contracts.KindString, Required: true},
			{Name: "description", Kind: contracts.KindString, Required: false},
		},
		Handler: func(ctx context.Context, _ *contracts.ExecutionContext, args map[string]any) (map[string]any, error) {
			title, _ := args["title"].(string)
			description, _ := args["description"].(string)
			if deps.Ticketing == nil {
				return map[string]any{"ticket_id": "stub-ticket"}, nil
			}
			id, err := deps.Ticketing.CreateTicket(ctx, title, description)
			if err != nil {
				return nil, err
			}
			return map[string]any{"ticket_id": id}, nil
		},
	}
}

func resetPassword(deps Collaborators) contracts.Tool {
	return contracts.Tool{
		Name:        "reset_password",
		Description: "Resets a directory account's password. Sensitive: always requires approval.",
		Level:       contracts.L3,
		Params: []contracts.ParamSchema{
			{Name: "username", Kind: contracts.KindString, Required: true},
			{Name: "new_password", Kind: contracts.KindString, Required: true},
		},
		Handler: func(ctx context.Context, _ *contracts.ExecutionContext, args map[string]any) (map[string]any, error) {
			username, _ := args["username"].(string)
			newPassword, _ := args["new_password"].(string)
			if deps.Directory == nil {
				return map[string]any{"reset": true}, nil
			}
			if err := deps.Directory.ResetPassword(ctx, username, newPassword); err != nil {
				return nil, err
			}
			return map[string]any{"reset": true, "username": username}, nil
		},
	}
}

func createUser(deps Collaborators) contracts.Tool {
	return contracts.Tool{
		Name:        "create_user",
		Description: "Creates a new directory account. Forbidden: no queue path exists.",
		Level:       contracts.L4,
		Params: []contracts.ParamSchema{
			{Name: "username", Kind: contracts.KindString, Required: true},
		},
		Handler: func(ctx context.Context, _ *contracts.ExecutionContext, args map[string]any) (map[string]any, error) {
			username, _ := args["username"].(string)
			if deps.Directory == nil {
				return map[string]any{"created": true}, nil
			}
			if err := deps.Directory.CreateUser(ctx, username, nil); err != nil {
				return nil, err
			}
			return map[string]any{"created": true, "username": username}, nil
		},
	}
}

func enrichDeviceDiagnostics(deps Collaborators) contracts.Tool {
	return contracts.Tool{
		Name:        "enrich_device_diagnostics",
		Description: "Reads cached diagnostic data for a device, computing it on a cache miss.",
		Level:       contracts.L0,
		Params: []contracts.ParamSchema{
			{Name: "device_name", Kind: contracts.KindString, Required: true},
			{Name: "date", Kind: contracts.KindString, Required: true},
		},
		Handler: func(ctx context.Context, _ *contracts.ExecutionContext, args map[string]any) (map[string]any, error) {
			device, _ := args["device_name"].(string)
			date, _ := args["date"].(string)

			if deps.State != nil {
				if cached, found, err := deps.State.GetDiagnostic(ctx, device, date); err == nil && found {
					return cached, nil
				}
			}

			var status map[string]any
			var err error
			if deps.Monitoring != nil {
				status, err = deps.Monitoring.DeviceStatus(ctx, device)
				if err != nil {
					return nil, err
				}
			} else {
				status = map[string]any{"device": device, "status": "unknown"}
			}

			if deps.State != nil {
				_ = deps.State.CacheDiagnostic(ctx, device, date, status)
			}
			return status, nil
		},
	}
}
