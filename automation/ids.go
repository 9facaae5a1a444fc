package automation

import (
	"time"

	"github.com/songzhibin97/gkit/generator"
)

// IDEpoch is the snowflake epoch of every rule, notification and run ID.
// It must never move: IDs from a later process are only unique against
// stored ones while every process counts from the same instant.
var IDEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// NewIDGenerator returns the snowflake generator for machineID.
// Processes writing to one store concurrently need distinct machine IDs.
func NewIDGenerator(machineID uint16) generator.Generator {
	return generator.NewSnowflake(IDEpoch, machineID)
}
