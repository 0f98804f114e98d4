package evaluator

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/ratealert/internal/models"
)

const DefaultNotificationTitle = "Price Alert!"

// BuildNotification renders the payload for a fired alert with the default
// title. The observed rate is always written with four fractional digits.
func BuildNotification(alert models.Alert, rate float64) models.Notification {
	return buildNotification(DefaultNotificationTitle, alert, rate)
}

func buildNotification(title string, alert models.Alert, rate float64) models.Notification {
	base := strings.ToUpper(alert.BaseCurrency)
	target := strings.ToUpper(alert.TargetCurrency)
	observed := decimal.NewFromFloat(rate).StringFixed(4)
	targetPrice := decimal.NewFromFloat(alert.TargetPrice).String()

	return models.Notification{
		Title: title,
		Body: fmt.Sprintf("%s/%s is now %s. Your target was to be alerted when it went %s %s.",
			base, target, observed, alert.Condition, targetPrice),
		Data: map[string]string{
			models.DataAlertID:        alert.ID,
			models.DataBaseCurrency:   base,
			models.DataTargetCurrency: target,
			models.DataObservedRate:   observed,
			models.DataCondition:      string(alert.Condition),
			models.DataTargetPrice:    targetPrice,
		},
	}
}
