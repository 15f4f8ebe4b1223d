package notify

import (
	"strings"
	"text/template"

	"github.com/delaywatch/delaywatch/internal/delay"
	"github.com/delaywatch/delaywatch/internal/delivery"
)

var messageTemplate = template.Must(template.New("delay").Parse(
	`Hello {{.Name}},

Your delivery {{.Tracking}} is running about {{.Delay}} minutes late due to {{.Condition}} traffic.
{{- if .Scheduled}}
It was scheduled for {{.Scheduled}}.{{end}}
{{- if .Severe}}
Our dispatch team has been alerted and is looking at the route.{{end}}

We will let you know if anything changes.`))

type messageData struct {
	Name      string
	Tracking  string
	Delay     int
	Condition string
	Scheduled string
	Severe    bool
}

// RenderMessage produces the plain-text customer message for a delay assessment.
func RenderMessage(d *delivery.Delivery, a delay.Assessment) (string, error) {
	data := messageData{
		Name:      d.CustomerName,
		Tracking:  d.TrackingNumber,
		Delay:     a.DelayMinutes,
		Condition: string(a.Condition),
		Severe:    a.Severity == delay.SeveritySevere,
	}
	if data.Name == "" {
		data.Name = "customer"
	}
	if data.Tracking == "" {
		data.Tracking = d.ID
	}
	if data.Condition == "" {
		data.Condition = "heavy"
	}
	if !d.Monitoring.ScheduledDelivery.IsZero() {
		data.Scheduled = d.Monitoring.ScheduledDelivery.UTC().Format("Mon 2 Jan 15:04 MST")
	}

	var b strings.Builder
	if err := messageTemplate.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}
