package history

import (
	"time"

	"meshmon/internal/model"
)

// Summary is a battery trend snapshot over a sample window.
type Summary struct {
	Count         int
	From          time.Time
	To            time.Time
	MinBattery    int
	AvgBattery    float64
	MaxBattery    int
	AvgVoltage    float64
	ChargingRatio float64
}

// Summarize computes trend statistics for samples at or after since.
// Samples without a battery reading still count toward the window but
// not toward the battery aggregates.
func Summarize(samples []model.Sample, since time.Time) Summary {
	filtered := make([]model.Sample, 0, len(samples))
	for _, s := range samples {
		if s.Timestamp.After(since) || s.Timestamp.Equal(since) {
			filtered = append(filtered, s)
		}
	}

	if len(filtered) == 0 {
		return Summary{}
	}

	sum := Summary{
		Count: len(filtered),
		From:  filtered[0].Timestamp,
		To:    filtered[0].Timestamp,
	}

	var batterySum, voltageSum float64
	var batteryN, voltageN, chargingN, chargingKnown int
	minBattery := 101
	maxBattery := -1

	for _, s := range filtered {
		if s.Timestamp.Before(sum.From) {
			sum.From = s.Timestamp
		}
		if s.Timestamp.After(sum.To) {
			sum.To = s.Timestamp
		}
		if s.BatteryLevel != nil {
			level := *s.BatteryLevel
			batterySum += float64(level)
			batteryN++
			if level < minBattery {
				minBattery = level
			}
			if level > maxBattery {
				maxBattery = level
			}
		}
		if s.Voltage != nil {
			voltageSum += *s.Voltage
			voltageN++
		}
		if s.IsCharging != nil {
			chargingKnown++
			if *s.IsCharging {
				chargingN++
			}
		}
	}

	if batteryN > 0 {
		sum.MinBattery = minBattery
		sum.MaxBattery = maxBattery
		sum.AvgBattery = batterySum / float64(batteryN)
	}
	if voltageN > 0 {
		sum.AvgVoltage = voltageSum / float64(voltageN)
	}
	if chargingKnown > 0 {
		sum.ChargingRatio = float64(chargingN) / float64(chargingKnown)
	}
	return sum
}
