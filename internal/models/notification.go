package models

// Notification is the payload handed to a delivery channel.
// Data always carries the keys listed below so channels that support
// structured payloads can render or forward them without parsing Body.
type Notification struct {
	Title string
	Body  string
	Data  map[string]string
}

const (
	DataAlertID        = "alert_id"
	DataBaseCurrency   = "base_currency"
	DataTargetCurrency = "target_currency"
	DataObservedRate   = "observed_rate"
	DataCondition      = "condition"
	DataTargetPrice    = "target_price"
)
