package smudb

import "time"

// The composite types used for messages to the ClickHouse database.

// ActivityMessage is the information for the smudgeactivity table: one row per
// engine lifetime.
type ActivityMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	CPUs      int
	Start     time.Time
	End       time.Time
}

// RunMessage is the information required to make an entry in the runs table.
type RunMessage struct {
	ID         string
	Continuous bool
	Nsamples   int
	SampleRate float64
	Devices    string
	Start      time.Time
	End        time.Time
}

// HotplugMessage records one attach or detach event in the hotplug table.
type HotplugMessage struct {
	Serial   string
	Event    string
	Firmware string
	Hardware string
	When     time.Time
}
