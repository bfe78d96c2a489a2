package types

import (
	"os"
	"time"
)

type SlaveName string

// SlaveDescriptor is the persisted configuration of one storage node.
type SlaveDescriptor struct {
	Name  SlaveName `toml:"name" json:"name"`
	Masks []string  `toml:"masks" json:"masks"`
	Roots []string  `toml:"roots" json:"roots,omitempty"`
}

// SlaveStatus is a point-in-time metrics sample reported by a slave.
type SlaveStatus struct {
	DiskSpaceAvailable  int64 `json:"disk_space_available"`
	DiskSpaceCapacity   int64 `json:"disk_space_capacity"`
	TransfersSending    int   `json:"transfers_sending"`
	TransfersReceiving  int   `json:"transfers_receiving"`
	ThroughputSending   int64 `json:"throughput_sending"`
	ThroughputReceiving int64 `json:"throughput_receiving"`
}

// Append returns the field-wise sum of s and other. The zero value is the identity,
// so folding Append over any number of statuses yields a sitewide total.
func (s SlaveStatus) Append(other SlaveStatus) SlaveStatus {
	return SlaveStatus{
		DiskSpaceAvailable:  s.DiskSpaceAvailable + other.DiskSpaceAvailable,
		DiskSpaceCapacity:   s.DiskSpaceCapacity + other.DiskSpaceCapacity,
		TransfersSending:    s.TransfersSending + other.TransfersSending,
		TransfersReceiving:  s.TransfersReceiving + other.TransfersReceiving,
		ThroughputSending:   s.ThroughputSending + other.ThroughputSending,
		ThroughputReceiving: s.ThroughputReceiving + other.ThroughputReceiving,
	}
}

func (s SlaveStatus) DiskSpaceUsed() int64 {
	return s.DiskSpaceCapacity - s.DiskSpaceAvailable
}

func (s SlaveStatus) Transfers() int {
	return s.TransfersSending + s.TransfersReceiving
}

// FileEntry is one node of a slave's logical tree as sent over the control channel.
type FileEntry struct {
	Path     string      `json:"path"`
	Size     int64       `json:"size"`
	Mode     os.FileMode `json:"mode"`
	Modified time.Time   `json:"modified"`
}

func (e FileEntry) IsDir() bool {
	return e.Mode.IsDir()
}

// SlaveInfo is the externally visible state of one registered slave.
type SlaveInfo struct {
	Name          SlaveName    `json:"name"`
	Online        bool         `json:"online"`
	OfflineReason string       `json:"offline_reason,omitempty"`
	RemoteAddr    string       `json:"remote_addr,omitempty"`
	Masks         []string     `json:"masks"`
	Roots         []string     `json:"roots,omitempty"`
	Status        *SlaveStatus `json:"status,omitempty"`
	StatusUpdated time.Time    `json:"status_updated,omitempty"`
}
