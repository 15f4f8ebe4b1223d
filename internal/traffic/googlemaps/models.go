package googlemaps

// Element and top-level status values returned by the Distance Matrix API.
const (
	statusOK             = "OK"
	statusNotFound       = "NOT_FOUND"
	statusZeroResults    = "ZERO_RESULTS"
	statusInvalidRequest = "INVALID_REQUEST"
	statusOverQueryLimit = "OVER_QUERY_LIMIT"
	statusOverDailyLimit = "OVER_DAILY_LIMIT"
	statusRequestDenied  = "REQUEST_DENIED"
	statusMaxElements    = "MAX_ELEMENTS_EXCEEDED"
	statusUnknownError   = "UNKNOWN_ERROR"
)

// matrixResponse is the Distance Matrix API response body.
type matrixResponse struct {
	Status               string      `json:"status"`
	ErrorMessage         string      `json:"error_message,omitempty"`
	OriginAddresses      []string    `json:"origin_addresses"`
	DestinationAddresses []string    `json:"destination_addresses"`
	Rows                 []matrixRow `json:"rows"`
}

type matrixRow struct {
	Elements []matrixElement `json:"elements"`
}

// matrixElement holds the result for one origin/destination pair.
type matrixElement struct {
	Status            string     `json:"status"`
	Distance          *textValue `json:"distance,omitempty"`
	Duration          *textValue `json:"duration,omitempty"`
	DurationInTraffic *textValue `json:"duration_in_traffic,omitempty"`
}

type textValue struct {
	Text  string `json:"text"`
	Value int    `json:"value"`
}
