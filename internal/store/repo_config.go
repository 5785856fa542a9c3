package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/syncmcp/edge-agent/internal/model"
)

// UpsertTenant writes the single tenant record, overwriting any existing row
// with the same id.
func (r *Repo) UpsertTenant(ctx context.Context, t model.Tenant) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO tenant (id, name, address, active, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			address = EXCLUDED.address,
			active = EXCLUDED.active,
			updated_at = now()
	`, t.ID, t.Name, t.Address, t.Active)
	if err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}

// GetTenant returns the single mirrored tenant record.
func (r *Repo) GetTenant(ctx context.Context) (model.Tenant, error) {
	var t model.Tenant
	err := r.pool.QueryRow(ctx, `SELECT id, name, address, active, updated_at FROM tenant LIMIT 1`).
		Scan(&t.ID, &t.Name, &t.Address, &t.Active, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Tenant{}, ErrNotFound
	}
	if err != nil {
		return model.Tenant{}, fmt.Errorf("get tenant: %w", err)
	}
	return t, nil
}

// UpsertDeviceModel writes a device model row.
func (r *Repo) UpsertDeviceModel(ctx context.Context, d model.DeviceModel) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO device (id, manufacturer, model_number, type)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			manufacturer = EXCLUDED.manufacturer,
			model_number = EXCLUDED.model_number,
			type = EXCLUDED.type
	`, d.ID, d.Manufacturer, d.ModelNumber, d.Type)
	if err != nil {
		return fmt.Errorf("upsert device model %s: %w", d.ID, err)
	}
	return nil
}

// UpsertRegister writes a register definition row, keyed by the composite
// (device_model_id, register_number) the remote source treats as canonical.
func (r *Repo) UpsertRegister(ctx context.Context, reg model.RegisterDefinition) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO register (
			id, device_model_id, register_number, field_name, unit,
			data_type, bacnet_object_type, bacnet_instance, property, active
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (device_model_id, register_number) DO UPDATE SET
			id = EXCLUDED.id,
			field_name = EXCLUDED.field_name,
			unit = EXCLUDED.unit,
			data_type = EXCLUDED.data_type,
			bacnet_object_type = EXCLUDED.bacnet_object_type,
			bacnet_instance = EXCLUDED.bacnet_instance,
			property = EXCLUDED.property,
			active = EXCLUDED.active
	`, reg.ID, reg.DeviceModelID, reg.RegisterNumber, reg.FieldName, reg.Unit,
		reg.DataType, reg.BACnetObjectType, reg.BACnetInstance, reg.Property, reg.Active)
	if err != nil {
		return fmt.Errorf("upsert register %s: %w", reg.ID, err)
	}
	return nil
}

// DeactivateRegistersNotIn marks inactive every register whose
// (device_model_id, register_number) key is absent from keep, mirroring
// DeactivateMetersNotIn's removal rule on the register side.
func (r *Repo) DeactivateRegistersNotIn(ctx context.Context, keep []model.RegisterKey) (int64, error) {
	deviceModelIDs := make([]string, 0, len(keep))
	numbers := make([]int32, 0, len(keep))
	for _, k := range keep {
		deviceModelIDs = append(deviceModelIDs, k.DeviceModelID)
		numbers = append(numbers, int32(k.RegisterNumber))
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE register SET active = FALSE
		WHERE active
		AND NOT (device_model_id, register_number) IN (
			SELECT unnest($1::text[]), unnest($2::int[])
		)
	`, deviceModelIDs, numbers)
	if err != nil {
		return 0, fmt.Errorf("deactivate removed registers: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListRegisters returns all active register definitions for the Register
// Cache (C3) to load.
func (r *Repo) ListRegisters(ctx context.Context) ([]model.RegisterDefinition, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, device_model_id, register_number, field_name, unit,
			data_type, bacnet_object_type, bacnet_instance, property, active
		FROM register WHERE active
	`)
	if err != nil {
		return nil, fmt.Errorf("list registers: %w", err)
	}
	defer rows.Close()

	var out []model.RegisterDefinition
	for rows.Next() {
		var reg model.RegisterDefinition
		if err := rows.Scan(&reg.ID, &reg.DeviceModelID, &reg.RegisterNumber, &reg.FieldName,
			&reg.Unit, &reg.DataType, &reg.BACnetObjectType, &reg.BACnetInstance,
			&reg.Property, &reg.Active); err != nil {
			return nil, fmt.Errorf("scan register: %w", err)
		}
		out = append(out, reg)
	}
	return out, rows.Err()
}

// UpsertMeter writes a meter row keyed by its composite
// (meter_id, meter_element_id) identity.
func (r *Repo) UpsertMeter(ctx context.Context, m model.Meter) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO meter (
			meter_id, meter_element_id, name, ip, port, device_instance,
			active, device_model_id, tenant_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (meter_id, meter_element_id) DO UPDATE SET
			name = EXCLUDED.name,
			ip = EXCLUDED.ip,
			port = EXCLUDED.port,
			device_instance = EXCLUDED.device_instance,
			active = EXCLUDED.active,
			device_model_id = EXCLUDED.device_model_id,
			tenant_id = EXCLUDED.tenant_id
	`, m.MeterID, m.ElementID, m.Name, m.IP, m.Port, m.DeviceID, m.Active, m.DeviceModelID, m.TenantID)
	if err != nil {
		return fmt.Errorf("upsert meter %s/%s: %w", m.MeterID, m.ElementID, err)
	}
	return nil
}

// DeactivateMetersNotIn marks inactive every meter whose (meter_id,
// meter_element_id) key is absent from keep, implementing C9's removal rule
// without deleting history referenced by meter_reading.
func (r *Repo) DeactivateMetersNotIn(ctx context.Context, keep []model.MeterKey) (int64, error) {
	ids := make([]string, 0, len(keep))
	elems := make([]string, 0, len(keep))
	for _, k := range keep {
		ids = append(ids, k.MeterID)
		elems = append(elems, k.ElementID)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE meter SET active = FALSE
		WHERE active
		AND NOT (meter_id, meter_element_id) IN (
			SELECT unnest($1::text[]), unnest($2::text[])
		)
	`, ids, elems)
	if err != nil {
		return 0, fmt.Errorf("deactivate removed meters: %w", err)
	}
	return tag.RowsAffected(), nil
}

// UpsertDeviceRegister writes one device-model/register association row,
// mirroring the remote's separate join table when it exposes one (§4.8
// phase 4). The pair is its own primary key; there is nothing to update
// beyond existence, so conflicts are simply ignored.
func (r *Repo) UpsertDeviceRegister(ctx context.Context, deviceModelID, registerID string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO device_register (device_model_id, register_id)
		VALUES ($1, $2)
		ON CONFLICT (device_model_id, register_id) DO NOTHING
	`, deviceModelID, registerID)
	if err != nil {
		return fmt.Errorf("upsert device_register %s/%s: %w", deviceModelID, registerID, err)
	}
	return nil
}

// ListActiveMeters returns every active meter for the Meter Cache (C4) to
// load.
func (r *Repo) ListActiveMeters(ctx context.Context) ([]model.Meter, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT meter_id, meter_element_id, name, ip, port, device_instance,
			active, device_model_id, tenant_id
		FROM meter WHERE active
	`)
	if err != nil {
		return nil, fmt.Errorf("list active meters: %w", err)
	}
	defer rows.Close()

	var out []model.Meter
	for rows.Next() {
		var m model.Meter
		if err := rows.Scan(&m.MeterID, &m.ElementID, &m.Name, &m.IP, &m.Port,
			&m.DeviceID, &m.Active, &m.DeviceModelID, &m.TenantID); err != nil {
			return nil, fmt.Errorf("scan meter: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
