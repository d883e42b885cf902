package pipeline

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/san-kum/crash-severity/server/models"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// RecordFromRequest checks that every required field is present and converts
// the request into a raw record. Fields are converted in declaration order
// and the first failure is returned.
func RecordFromRequest(req *models.PredictRequest) (Record, error) {
	if req == nil {
		return nil, invalid("request body is empty")
	}
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, invalid("missing required field '%s'", verrs[0].Field())
		}
		return nil, errors.Wrap(err, "request validation failed")
	}

	r := make(Record, 18)
	c := converter{record: r}

	c.intField(ColCrashSpeed, "crash_speed", req.CrashSpeed)
	c.intField(ColImpactAngle, "impact_angle", req.ImpactAngle)
	c.scalarField(ColAirbag, req.Airbag)
	c.scalarField(ColSeatbelt, req.Seatbelt)
	c.scalarField(ColWeather, req.Weather)
	c.scalarField(ColRoad, req.Road)
	c.scalarField(ColCrashType, req.CrashType)
	c.scalarField(ColVehicleType, req.VehicleType)
	c.intField(ColVehicleAge, "vehicle_age", req.VehicleAge)
	c.scalarField(ColBrake, req.Brake)
	c.scalarField(ColTire, req.Tire)
	c.intField(ColDriverAge, "driver_age", req.DriverAge)
	c.intField(ColDriverExperience, "driver_experience", req.DriverExperience)
	c.floatField(ColAlcoholLevel, "alcohol_level", req.AlcoholLevel)
	if req.Distraction.Truthy() {
		c.scalarField(ColDistraction, req.Distraction)
	} else {
		r[ColDistraction] = Null()
	}
	c.scalarField(ColTimeOfDay, req.TimeOfDay)
	c.scalarField(ColTraffic, req.Traffic)
	c.intField(ColVisibility, "visibility", req.Visibility)

	if c.err != nil {
		return nil, c.err
	}
	return r, nil
}

// converter fills a record and keeps the first conversion error.
type converter struct {
	record Record
	err    error
}

func (c *converter) intField(col, field string, n *models.Number) {
	if c.err != nil {
		return
	}
	v, err := n.Int()
	if err != nil {
		c.err = invalid("%s: %v", field, err)
		return
	}
	c.record[col] = Number(float64(v))
}

func (c *converter) floatField(col, field string, n *models.Number) {
	if c.err != nil {
		return
	}
	v, err := n.Float()
	if err != nil {
		c.err = invalid("%s: %v", field, err)
		return
	}
	c.record[col] = Number(v)
}

func (c *converter) scalarField(col string, s *models.Scalar) {
	if c.err != nil {
		return
	}
	switch s.Kind {
	case models.ScalarNumber:
		c.record[col] = Number(s.Num)
	case models.ScalarBool:
		if s.Bool {
			c.record[col] = Number(1)
		} else {
			c.record[col] = Number(0)
		}
	default:
		c.record[col] = Text(s.Str)
	}
}

func invalid(format string, args ...interface{}) error {
	return errors.WithStack(fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...)))
}
