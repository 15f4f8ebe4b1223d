package mapbox

// directionsResponse is the Directions API response body.
type directionsResponse struct {
	Code    string  `json:"code"`
	Message string  `json:"message,omitempty"`
	Routes  []route `json:"routes"`
}

// route is a single route. DurationTypical is only present for the driving-traffic profile.
type route struct {
	Distance        float64  `json:"distance"`
	Duration        float64  `json:"duration"`
	DurationTypical *float64 `json:"duration_typical,omitempty"`
	WeightName      string   `json:"weight_name,omitempty"`
}

// errorResponse is returned with non-200 status codes.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	codeOK           = "Ok"
	codeNoRoute      = "NoRoute"
	codeNoSegment    = "NoSegment"
	codeInvalidInput = "InvalidInput"
)
