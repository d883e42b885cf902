package pipeline

// Canonical column names, as the model was trained on them.
const (
	ColCrashSpeed       = "Crash Speed (km/h)"
	ColImpactAngle      = "Impact Angle (degrees)"
	ColAirbag           = "Airbag Deployed"
	ColSeatbelt         = "Seatbelt Used"
	ColWeather          = "Weather Conditions"
	ColRoad             = "Road Conditions"
	ColCrashType        = "Crash Type"
	ColVehicleType      = "Vehicle Type"
	ColVehicleAge       = "Vehicle Age (years)"
	ColBrake            = "Brake Condition"
	ColTire             = "Tire Condition"
	ColDriverAge        = "Driver Age"
	ColDriverExperience = "Driver Experience (years)"
	ColAlcoholLevel     = "Alcohol Level (BAC%)"
	ColDistraction      = "Distraction Level"
	ColTimeOfDay        = "Time of Day"
	ColTraffic          = "Traffic Density"
	ColVisibility       = "Visibility Distance (m)"
)

// DistractionDefault fills a missing distraction level.
const DistractionDefault = "Other"
