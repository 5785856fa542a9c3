// Package model defines domain structs shared across the persistence layer.
package model

import "time"

// Tenant is the single local tenant record mirrored from the remote Client
// System.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	Active    bool      `json:"active"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeviceModel describes a meter hardware model mirrored read-only from the
// remote Client System.
type DeviceModel struct {
	ID           string `json:"id"`
	Manufacturer string `json:"manufacturer"`
	ModelNumber  string `json:"model_number"`
	Type         string `json:"type"`
}

// RegisterKey is the composite primary key for register definitions.
type RegisterKey struct {
	DeviceModelID  string
	RegisterNumber int
}

// Key returns the register's composite identity.
func (r RegisterDefinition) Key() RegisterKey {
	return RegisterKey{DeviceModelID: r.DeviceModelID, RegisterNumber: r.RegisterNumber}
}

// RegisterDefinition maps one BACnet property to a logical meter field.
type RegisterDefinition struct {
	ID               string `json:"id"`
	DeviceModelID    string `json:"device_model_id"`
	RegisterNumber   int    `json:"register_number"`
	FieldName        string `json:"field_name"`
	Unit             string `json:"unit"`
	DataType         string `json:"data_type"`
	BACnetObjectType string `json:"bacnet_object_type"`
	BACnetInstance   uint32 `json:"bacnet_instance"`
	Property         string `json:"property"`
	Active           bool   `json:"active"`
}

// MeterKey is the composite primary key for meters: a physical meter may
// carry multiple measurable elements (e.g. separate electrical phases).
type MeterKey struct {
	MeterID   string
	ElementID string
}

// Meter is one measurable element of a physical meter.
type Meter struct {
	MeterID       string `json:"meter_id"`
	ElementID     string `json:"meter_element_id"`
	Name          string `json:"name"`
	IP            string `json:"ip"`
	Port          int    `json:"port"`
	DeviceID      uint32 `json:"device_instance"`
	Active        bool   `json:"active"`
	DeviceModelID string `json:"device_model_id"`
	TenantID      string `json:"tenant_id"`
}

// Key returns the meter's composite identity.
func (m Meter) Key() MeterKey { return MeterKey{MeterID: m.MeterID, ElementID: m.ElementID} }

// PendingReading is a reading produced during a collection cycle, not yet
// persisted to the outbox.
type PendingReading struct {
	MeterID    string
	ElementID  string
	Timestamp  time.Time
	DataPoint  string
	Value      float64
	Unit       string
	RegisterID string
}

// SyncStatus is the lifecycle state of an outbox row.
type SyncStatus string

const (
	SyncStatusPending  SyncStatus = "pending"
	SyncStatusInFlight SyncStatus = "in_flight"
	SyncStatusDone     SyncStatus = "done"
	SyncStatusFailed   SyncStatus = "failed"
)

// MeterReading is a persistent outbox row awaiting or past upload.
// IsSynchronized is set true only by a confirmed successful upload and is
// the immutability fence protecting a row from re-upload once true,
// independent of SyncStatus.
type MeterReading struct {
	ID              int64      `json:"id"`
	MeterID         string     `json:"meter_id"`
	ElementID       string     `json:"meter_element_id"`
	Timestamp       time.Time  `json:"timestamp"`
	DataPoint       string     `json:"data_point"`
	Value           float64    `json:"value"`
	Unit            string     `json:"unit"`
	SyncStatus      SyncStatus `json:"sync_status"`
	RetryCount      int        `json:"retry_count"`
	LastError       *string    `json:"last_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	IsSynchronized  bool       `json:"is_synchronized"`
}

// ErrorOperation categorizes the stage in which a CollectionError occurred.
type ErrorOperation string

const (
	OperationRead    ErrorOperation = "read"
	OperationPersist ErrorOperation = "persist"
	OperationUpload  ErrorOperation = "upload"
	OperationSync    ErrorOperation = "sync"
)

// CollectionError is a diagnostic record surfaced through the /errors
// endpoint ring buffer.
type CollectionError struct {
	MeterID    string         `json:"meter_id,omitempty"`
	RegisterID string         `json:"register_id,omitempty"`
	Operation  ErrorOperation `json:"operation"`
	Error      string         `json:"error"`
	Timestamp  time.Time      `json:"timestamp"`
}

// ConnectivityState is a coarse reachability classification for the remote
// Client System API.
type ConnectivityState string

const (
	ConnectivityUnknown      ConnectivityState = "UNKNOWN"
	ConnectivityConnected    ConnectivityState = "CONNECTED"
	ConnectivityDisconnected ConnectivityState = "DISCONNECTED"
)

// ConnectivityStatus is the process-wide connectivity snapshot maintained by
// the connectivity monitor.
type ConnectivityStatus struct {
	State                ConnectivityState `json:"state"`
	LastCheckTime        time.Time         `json:"last_check_time"`
	LastSuccessfulConn   *time.Time        `json:"last_successful_connection,omitempty"`
	LastFailedConn       *time.Time        `json:"last_failed_connection,omitempty"`
	ConsecutiveFailures  int               `json:"consecutive_failures"`
	ConsecutiveSuccesses int               `json:"consecutive_successes"`
}

// IsConnected reports whether the snapshot reflects a connected remote.
func (s ConnectivityStatus) IsConnected() bool { return s.State == ConnectivityConnected }
