package models

import (
	"strings"
	"time"
	"unicode/utf8"
)

const (
	StatusPending = "pending"

	MaxNameLength = 128
)

// InsertDeployment is the submission payload for POST /api/deployments.
type InsertDeployment struct {
	Name       string `json:"name"`
	YAMLConfig string `json:"yamlConfig"`
}

// FieldError describes one rejected payload field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Validate checks the fields that do not need the config parser.
func (d *InsertDeployment) Validate() []FieldError {
	var errs []FieldError

	name := strings.TrimSpace(d.Name)
	switch {
	case name == "":
		errs = append(errs, FieldError{Field: "name", Message: "name is required"})
	case utf8.RuneCountInString(name) > MaxNameLength:
		errs = append(errs, FieldError{Field: "name", Message: "name must be at most 128 characters"})
	}

	if strings.TrimSpace(d.YAMLConfig) == "" {
		errs = append(errs, FieldError{Field: "yamlConfig", Message: "yamlConfig is required"})
	}

	return errs
}

// Deployment is the stored record of one submission.
type Deployment struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	YAMLConfig string    `json:"yamlConfig"`
	Status     string    `json:"status"`
	WebUIURL   *string   `json:"webuiUrl"`
	Error      *string   `json:"error"`
	CreatedAt  time.Time `json:"createdAt"`
}

type CreateDeploymentResponse struct {
	Deployment  *Deployment  `json:"deployment"`
	Transaction *Transaction `json:"transaction"`
	Details     Payload      `json:"details"`
	Lease       Payload      `json:"lease"`
}

type ErrorResponse struct {
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

type ProbeResponse struct {
	URL        string `json:"url"`
	Reachable  bool   `json:"reachable"`
	StatusCode int    `json:"statusCode,omitempty"`
}
