// Package cfgsync implements the Remote-to-Local Sync Agent (C9): pulls
// tenant, register, and meter definitions from the remote Client System and
// mirrors them into the local database, then reloads the Register/Meter
// caches if anything changed.
//
// Named cfgsync rather than sync to avoid shadowing the standard library's
// sync package, which every file in this tree that needs a mutex also
// imports.
package cfgsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/syncmcp/edge-agent/internal/cache"
	"github.com/syncmcp/edge-agent/internal/cycleguard"
	"github.com/syncmcp/edge-agent/internal/model"
	"github.com/syncmcp/edge-agent/internal/store"
)

// Store is the subset of store.Repo the Sync Agent depends on.
type Store interface {
	UpsertTenant(ctx context.Context, t model.Tenant) error
	UpsertDeviceModel(ctx context.Context, d model.DeviceModel) error
	UpsertRegister(ctx context.Context, r model.RegisterDefinition) error
	DeactivateRegistersNotIn(ctx context.Context, keep []model.RegisterKey) (int64, error)
	UpsertMeter(ctx context.Context, m model.Meter) error
	DeactivateMetersNotIn(ctx context.Context, keep []model.MeterKey) (int64, error)
	UpsertDeviceRegister(ctx context.Context, deviceModelID, registerID string) error
}

// PhaseResult tallies one phase's upserts; this agent does not distinguish
// inserted vs updated at the row level (ON CONFLICT DO UPDATE makes that
// distinction unobservable without a prior read), so Modified counts rows
// written in this phase.
type PhaseResult struct {
	Modified int
}

// SyncResult aggregates one sync cycle's outcome.
type SyncResult struct {
	CorrelationID   string
	Tenant          PhaseResult
	DeviceModels    PhaseResult
	Registers       PhaseResult
	Meters          PhaseResult
	DeviceRegisters PhaseResult
	Success         bool
}

// Agent is the Remote-to-Local Sync Agent.
type Agent struct {
	store      Store
	httpClient *http.Client
	baseURL    string
	apiKey     string

	regCache   *cache.RegisterCache
	meterCache *cache.MeterCache
	repo       *store.Repo

	guard cycleguard.Guard
}

// New constructs an Agent. repo is passed separately from Store so cache
// reloads (which need the concrete read-path methods) can run after a
// successful sync.
func New(s Store, repo *store.Repo, httpClient *http.Client, baseURL, apiKey string, regCache *cache.RegisterCache, meterCache *cache.MeterCache) *Agent {
	return &Agent{store: s, repo: repo, httpClient: httpClient, baseURL: baseURL, apiKey: apiKey, regCache: regCache, meterCache: meterCache}
}

// IsRunning reports whether a cycle currently holds the guard.
func (a *Agent) IsRunning() bool { return a.guard.IsRunning() }

// PerformSync runs the phased sync. A second call while one is already in
// flight returns store.ErrCycleRunning.
func (a *Agent) PerformSync(ctx context.Context) (SyncResult, error) {
	var result SyncResult
	err := a.guard.Run(func() error {
		result = a.runPhases(ctx)
		return nil
	})
	return result, err
}

func (a *Agent) runPhases(ctx context.Context) SyncResult {
	result := SyncResult{CorrelationID: uuid.NewString()}

	tenantMod, err := a.syncTenant(ctx)
	if err != nil {
		log.Printf("[sync] cycle=%s tenant phase: %v", result.CorrelationID, err)
		return result
	}
	result.Tenant.Modified = tenantMod

	// Registers and meters both carry a device_model_id foreign key, so the
	// device rows they reference must exist before either phase runs.
	devModelMod, err := a.syncDeviceModels(ctx)
	if err != nil {
		log.Printf("[sync] cycle=%s device model phase: %v", result.CorrelationID, err)
		return result
	}
	result.DeviceModels.Modified = devModelMod

	regMod, err := a.syncRegisters(ctx)
	if err != nil {
		log.Printf("[sync] register phase: %v", err)
		return result
	}
	result.Registers.Modified = regMod

	meterMod, err := a.syncMeters(ctx)
	if err != nil {
		log.Printf("[sync] meter phase: %v", err)
		return result
	}
	result.Meters.Modified = meterMod

	devRegMod, err := a.syncDeviceRegisters(ctx)
	if err != nil {
		log.Printf("[sync] device-register phase: %v", err)
		return result
	}
	result.DeviceRegisters.Modified = devRegMod

	// An Agent built without caches (nil) skips the reload step.
	if regMod > 0 && a.regCache != nil {
		if err := a.regCache.Reload(ctx, a.repo); err != nil {
			log.Printf("[sync] register cache reload: %v", err)
		}
	}
	if (regMod > 0 || meterMod > 0) && a.meterCache != nil {
		if err := a.meterCache.Reload(ctx, a.repo, a.regCache); err != nil {
			log.Printf("[sync] meter cache reload: %v", err)
		}
	}

	result.Success = true
	return result
}

type remoteTenant struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Active  bool   `json:"active"`
}

func (a *Agent) syncTenant(ctx context.Context) (int, error) {
	var rt remoteTenant
	if err := a.getJSON(ctx, "/api/tenant", &rt); err != nil {
		return 0, fmt.Errorf("fetch tenant: %w", err)
	}
	t := model.Tenant{ID: rt.ID, Name: rt.Name, Address: rt.Address, Active: rt.Active}
	if err := a.store.UpsertTenant(ctx, t); err != nil {
		return 0, fmt.Errorf("upsert tenant: %w", err)
	}
	return 1, nil
}

type remoteDeviceModel struct {
	ID           string `json:"id"`
	Manufacturer string `json:"manufacturer"`
	ModelNumber  string `json:"model_number"`
	Type         string `json:"type"`
}

// syncDeviceModels mirrors the remote's device model catalog. It runs after
// the tenant phase and before syncRegisters/syncMeters: both
// register and meter rows carry a device_model_id foreign key, so the
// referenced device row has to exist first.
func (a *Agent) syncDeviceModels(ctx context.Context) (int, error) {
	var remote []remoteDeviceModel
	if err := a.getJSON(ctx, "/api/device-models", &remote); err != nil {
		return 0, fmt.Errorf("fetch device models: %w", err)
	}

	modified := 0
	for _, rdm := range remote {
		d := model.DeviceModel{
			ID:           rdm.ID,
			Manufacturer: rdm.Manufacturer,
			ModelNumber:  rdm.ModelNumber,
			Type:         rdm.Type,
		}
		if err := a.store.UpsertDeviceModel(ctx, d); err != nil {
			return modified, fmt.Errorf("upsert device model %s: %w", d.ID, err)
		}
		modified++
	}
	return modified, nil
}

type remoteRegister struct {
	ID               string `json:"id"`
	DeviceModelID    string `json:"device_model_id"`
	RegisterNumber   int    `json:"register_number"`
	FieldName        string `json:"field_name"`
	Unit             string `json:"unit"`
	DataType         string `json:"data_type"`
	BACnetObjectType string `json:"bacnet_object_type"`
	BACnetInstance   uint32 `json:"bacnet_instance"`
	Property         string `json:"property"`
}

func (a *Agent) syncRegisters(ctx context.Context) (int, error) {
	var remote []remoteRegister
	if err := a.getJSON(ctx, "/api/registers", &remote); err != nil {
		return 0, fmt.Errorf("fetch registers: %w", err)
	}

	modified := 0
	keep := make([]model.RegisterKey, 0, len(remote))
	for _, rr := range remote {
		reg := model.RegisterDefinition{
			ID:               rr.ID,
			DeviceModelID:    rr.DeviceModelID,
			RegisterNumber:   rr.RegisterNumber,
			FieldName:        rr.FieldName,
			Unit:             rr.Unit,
			DataType:         rr.DataType,
			BACnetObjectType: rr.BACnetObjectType,
			BACnetInstance:   rr.BACnetInstance,
			Property:         rr.Property,
			Active:           true,
		}
		if err := a.store.UpsertRegister(ctx, reg); err != nil {
			return modified, fmt.Errorf("upsert register %s: %w", reg.ID, err)
		}
		modified++
		keep = append(keep, reg.Key())
	}

	deactivated, err := a.store.DeactivateRegistersNotIn(ctx, keep)
	if err != nil {
		return modified, fmt.Errorf("deactivate removed registers: %w", err)
	}
	return modified + int(deactivated), nil
}

type remoteMeterElement struct {
	ElementID string `json:"element_id"`
}

type remoteMeter struct {
	MeterID       string               `json:"meter_id"`
	Name          string               `json:"name"`
	IP            string               `json:"ip"`
	Port          int                  `json:"port"`
	DeviceModelID string               `json:"device_model_id"`
	TenantID      string               `json:"tenant_id"`
	Active        bool                 `json:"active"`
	Elements      []remoteMeterElement `json:"elements"`
}

func (a *Agent) syncMeters(ctx context.Context) (int, error) {
	var remote []remoteMeter
	if err := a.getJSON(ctx, "/api/meters?includeElements=true", &remote); err != nil {
		return 0, fmt.Errorf("fetch meters: %w", err)
	}

	modified := 0
	keep := make([]model.MeterKey, 0)
	for _, rm := range remote {
		for _, el := range rm.Elements {
			m := model.Meter{
				MeterID:       rm.MeterID,
				ElementID:     el.ElementID,
				Name:          rm.Name,
				IP:            rm.IP,
				Port:          rm.Port,
				Active:        rm.Active,
				DeviceModelID: rm.DeviceModelID,
				TenantID:      rm.TenantID,
			}
			if err := a.store.UpsertMeter(ctx, m); err != nil {
				return modified, fmt.Errorf("upsert meter %s/%s: %w", m.MeterID, m.ElementID, err)
			}
			modified++
			keep = append(keep, m.Key())
		}
	}

	deactivated, err := a.store.DeactivateMetersNotIn(ctx, keep)
	if err != nil {
		return modified, fmt.Errorf("deactivate removed meters: %w", err)
	}
	return modified + int(deactivated), nil
}

type remoteDeviceRegister struct {
	DeviceModelID string `json:"device_model_id"`
	RegisterID    string `json:"register_id"`
}

// syncDeviceRegisters mirrors the remote's device-model/register join table
// when it exposes one (§4.8 phase 4). Not every deployment of the Client
// System carries this endpoint separately from the register payload itself,
// so a 404 here is treated as "nothing to mirror" rather than a phase
// failure.
func (a *Agent) syncDeviceRegisters(ctx context.Context) (int, error) {
	var remote []remoteDeviceRegister
	if err := a.getJSON(ctx, "/api/device-registers", &remote); err != nil {
		if errors.Is(err, errNotFoundRemote) {
			return 0, nil
		}
		return 0, fmt.Errorf("fetch device-registers: %w", err)
	}

	modified := 0
	for _, dr := range remote {
		if err := a.store.UpsertDeviceRegister(ctx, dr.DeviceModelID, dr.RegisterID); err != nil {
			return modified, fmt.Errorf("upsert device_register %s/%s: %w", dr.DeviceModelID, dr.RegisterID, err)
		}
		modified++
	}
	return modified, nil
}

var errNotFoundRemote = fmt.Errorf("remote resource not found")

func (a *Agent) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFoundRemote
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, body)
	}

	dec := json.NewDecoder(resp.Body)
	return dec.Decode(out)
}
