package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/san-kum/crash-severity/server/ml"
)

const testBundlePath = "../ml/testdata/bundle.json"

func loadTestBundle(t *testing.T) *ml.Bundle {
	t.Helper()
	b, err := ml.LoadBundle(context.Background(), testBundlePath)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func newTestPredictor(t *testing.T) *Predictor {
	t.Helper()
	return NewPredictor(loadTestBundle(t), zap.NewNop())
}

// sampleRecord is the reference crash used across the tests: a sedan at
// 80 km/h, airbag deployed, no seatbelt, sober driver.
func sampleRecord() Record {
	return Record{
		ColCrashSpeed:       Number(80),
		ColImpactAngle:      Number(30),
		ColAirbag:           Text("Yes"),
		ColSeatbelt:         Text("No"),
		ColWeather:          Text("Clear"),
		ColRoad:             Text("Dry"),
		ColCrashType:        Text("Head-on"),
		ColVehicleType:      Text("Sedan"),
		ColVehicleAge:       Number(5),
		ColBrake:            Text("Good"),
		ColTire:             Text("Worn"),
		ColDriverAge:        Number(35),
		ColDriverExperience: Number(10),
		ColAlcoholLevel:     Number(0),
		ColDistraction:      Null(),
		ColTimeOfDay:        Text("Day"),
		ColTraffic:          Text("Low"),
		ColVisibility:       Number(100),
	}
}
