package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Transaction is the marketplace's reply to a create-deployment call. Only
// the lease id is interpreted; every other field is passed through.
type Transaction struct {
	LeaseID string
	Fields  Payload
}

func (t *Transaction) UnmarshalJSON(b []byte) error {
	fields, err := DecodePayload(bytes.NewReader(b))
	if err != nil {
		return err
	}
	t.Fields = fields
	t.LeaseID = fields.String("leaseId")
	return nil
}

// MarshalJSON writes the fields as received, so leaseId keeps its original
// JSON type. LeaseID only fills in when the fields carry no lease id.
func (t Transaction) MarshalJSON() ([]byte, error) {
	out := make(Payload, len(t.Fields)+1)
	for key, value := range t.Fields {
		out[key] = value
	}
	if _, ok := out["leaseId"]; !ok && t.LeaseID != "" {
		out["leaseId"] = t.LeaseID
	}
	return out.MarshalJSON()
}

// ForwardedPort maps a container port to its externally reachable address.
type ForwardedPort struct {
	Port         int    `json:"port"`
	ExternalPort int    `json:"externalPort"`
	Proto        string `json:"proto"`
	Name         string `json:"name"`
	Host         string `json:"host"`
}

// ForwardedPorts extracts details.forwarded_ports keyed by service name.
// Malformed entries yield nil.
func ForwardedPorts(details Payload) map[string][]ForwardedPort {
	raw, ok := details["forwarded_ports"]
	if !ok || raw == nil {
		return nil
	}

	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}

	var ports map[string][]ForwardedPort
	if err := json.Unmarshal(b, &ports); err != nil {
		return nil
	}
	return ports
}

// ServiceNames returns the services with forwarded ports in sorted order.
func ServiceNames(ports map[string][]ForwardedPort) []string {
	names := make([]string, 0, len(ports))
	for name := range ports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServiceURL builds http://host:externalPort for the forwarded port matching
// service and port. An empty service searches every service; port 0 takes
// the service's first forwarded port.
func ServiceURL(ports map[string][]ForwardedPort, service string, port int) string {
	services := []string{service}
	if service == "" {
		services = ServiceNames(ports)
	}

	for _, name := range services {
		for _, fp := range ports[name] {
			if port != 0 && fp.Port != port {
				continue
			}
			if fp.Host == "" || fp.ExternalPort == 0 {
				continue
			}
			return fmt.Sprintf("http://%s:%d", fp.Host, fp.ExternalPort)
		}
	}
	return ""
}
