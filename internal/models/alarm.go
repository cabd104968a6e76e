package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

var validAlarmStates = map[string]bool{
	"OK":                true,
	"ALARM":             true,
	"INSUFFICIENT_DATA": true,
}

var validComparisonOperators = map[string]bool{
	"GreaterThanThreshold":          true,
	"GreaterThanOrEqualToThreshold": true,
	"LessThanThreshold":             true,
	"LessThanOrEqualToThreshold":    true,
}

// Alarm is the summary of the triggering signal.
type Alarm struct {
	Name               string            `json:"name,omitempty"`
	Description        string            `json:"description,omitempty"`
	Metric             string            `json:"metric,omitempty"`
	Namespace          string            `json:"namespace,omitempty"`
	ResourceID         string            `json:"resource_id,omitempty"`
	ResourceName       string            `json:"resource_name,omitempty"`
	Dimensions         map[string]string `json:"dimensions,omitempty"`
	Threshold          *float64          `json:"threshold,omitempty"`
	ComparisonOperator string            `json:"comparison_operator,omitempty"`
	State              string            `json:"state,omitempty"`
	StateReason        string            `json:"state_reason,omitempty"`
	Region             string            `json:"region,omitempty"`
	Time               *time.Time        `json:"time,omitempty"`
	Text               string            `json:"text,omitempty"`
}

// cloudWatchAlarm is the SNS notification shape emitted by CloudWatch alarms.
type cloudWatchAlarm struct {
	AlarmName        string `json:"AlarmName"`
	AlarmDescription string `json:"AlarmDescription"`
	NewStateValue    string `json:"NewStateValue"`
	NewStateReason   string `json:"NewStateReason"`
	StateChangeTime  string `json:"StateChangeTime"`
	Region           string `json:"Region"`
	Trigger          struct {
		MetricName         string   `json:"MetricName"`
		Namespace          string   `json:"Namespace"`
		Threshold          *float64 `json:"Threshold"`
		ComparisonOperator string   `json:"ComparisonOperator"`
		Dimensions         []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"Dimensions"`
	} `json:"Trigger"`
}

// ParseAlarm decodes an alarm payload. Structured JSON objects, CloudWatch SNS
// notifications, JSON strings and plain text are accepted. The result is
// validated; malformed input yields an error wrapping ErrInvalidAlarm.
func ParseAlarm(raw []byte) (Alarm, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Alarm{}, fmt.Errorf("%w: empty payload", ErrInvalidAlarm)
	}

	var a Alarm
	switch raw[0] {
	case '{':
		var top map[string]json.RawMessage
		if err := json.Unmarshal(raw, &top); err != nil {
			return Alarm{}, fmt.Errorf("%w: %v", ErrInvalidAlarm, err)
		}
		if _, ok := top["AlarmName"]; ok {
			var cw cloudWatchAlarm
			if err := json.Unmarshal(raw, &cw); err != nil {
				return Alarm{}, fmt.Errorf("%w: %v", ErrInvalidAlarm, err)
			}
			a = fromCloudWatch(cw)
		} else if err := json.Unmarshal(raw, &a); err != nil {
			return Alarm{}, fmt.Errorf("%w: %v", ErrInvalidAlarm, err)
		}
	case '"':
		if err := json.Unmarshal(raw, &a.Text); err != nil {
			return Alarm{}, fmt.Errorf("%w: %v", ErrInvalidAlarm, err)
		}
	case '[':
		return Alarm{}, fmt.Errorf("%w: payload is a list", ErrInvalidAlarm)
	default:
		a.Text = string(raw)
	}

	a.normalize()
	if err := a.Validate(); err != nil {
		return Alarm{}, err
	}
	return a, nil
}

func fromCloudWatch(cw cloudWatchAlarm) Alarm {
	a := Alarm{
		Name:               cw.AlarmName,
		Description:        cw.AlarmDescription,
		Metric:             cw.Trigger.MetricName,
		Namespace:          cw.Trigger.Namespace,
		Threshold:          cw.Trigger.Threshold,
		ComparisonOperator: cw.Trigger.ComparisonOperator,
		State:              cw.NewStateValue,
		StateReason:        cw.NewStateReason,
		Region:             cw.Region,
	}
	if len(cw.Trigger.Dimensions) > 0 {
		a.Dimensions = make(map[string]string, len(cw.Trigger.Dimensions))
		for _, d := range cw.Trigger.Dimensions {
			a.Dimensions[d.Name] = d.Value
		}
		// First dimension identifies the resource, e.g. InstanceId=i-123.
		a.ResourceID = cw.Trigger.Dimensions[0].Value
	}
	if t, err := time.Parse("2006-01-02T15:04:05.000-0700", cw.StateChangeTime); err == nil {
		a.Time = &t
	}
	return a
}

func (a *Alarm) normalize() {
	a.Name = strings.TrimSpace(a.Name)
	a.Metric = strings.TrimSpace(a.Metric)
	a.Text = strings.TrimSpace(a.Text)
	if a.Name == "" && a.Text != "" {
		line := a.Text
		if i := strings.IndexByte(line, '\n'); i >= 0 {
			line = line[:i]
		}
		a.Name = truncate(strings.TrimSpace(line), 80)
	}
	if a.ResourceName == "" && a.ResourceID != "" {
		a.ResourceName = a.ResourceID
	}
}

// Validate checks that the alarm identifies what fired.
func (a Alarm) Validate() error {
	if strings.TrimSpace(a.Name) == "" && strings.TrimSpace(a.Metric) == "" {
		return fmt.Errorf("%w: alarm needs a name or a metric", ErrInvalidAlarm)
	}
	if a.State != "" && !validAlarmStates[a.State] {
		return fmt.Errorf("%w: invalid alarm state %q", ErrInvalidAlarm, a.State)
	}
	if a.ComparisonOperator != "" && !validComparisonOperators[a.ComparisonOperator] {
		return fmt.Errorf("%w: invalid comparison operator %q", ErrInvalidAlarm, a.ComparisonOperator)
	}
	return nil
}

// Summary renders the alarm as compact text for prompts and timelines.
func (a Alarm) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Alarm: %s", a.Name)
	if a.Metric != "" {
		fmt.Fprintf(&b, "\nMetric: %s", a.Metric)
		if a.Namespace != "" {
			fmt.Fprintf(&b, " (%s)", a.Namespace)
		}
	}
	if a.ComparisonOperator != "" && a.Threshold != nil {
		fmt.Fprintf(&b, "\nCondition: %s %g", a.ComparisonOperator, *a.Threshold)
	}
	if a.State != "" {
		fmt.Fprintf(&b, "\nState: %s", a.State)
		if a.StateReason != "" {
			fmt.Fprintf(&b, " (%s)", a.StateReason)
		}
	}
	if a.ResourceName != "" {
		fmt.Fprintf(&b, "\nResource: %s", a.ResourceName)
	}
	if len(a.Dimensions) > 0 {
		keys := make([]string, 0, len(a.Dimensions))
		for k := range a.Dimensions {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+a.Dimensions[k])
		}
		fmt.Fprintf(&b, "\nDimensions: %s", strings.Join(parts, ", "))
	}
	if a.Region != "" {
		fmt.Fprintf(&b, "\nRegion: %s", a.Region)
	}
	if a.Time != nil {
		fmt.Fprintf(&b, "\nTime: %s", a.Time.UTC().Format(time.RFC3339))
	}
	if a.Description != "" {
		fmt.Fprintf(&b, "\nDescription: %s", a.Description)
	}
	if a.Text != "" && a.Text != a.Name {
		fmt.Fprintf(&b, "\nDetails: %s", a.Text)
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return Truncate(s, n) + "..."
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
