package core

type ServiceStatus string

const (
	StatusHealthy   ServiceStatus = "HEALTHY"
	StatusUnhealthy ServiceStatus = "UNHEALTHY"
	StatusUnknown   ServiceStatus = "UNKNOWN"
	StatusDegraded  ServiceStatus = "DEGRADED"
)

type Capability string // Capabilities of services

const (
	CapabilityNotifier Capability = "NOTIFIER"
	CapabilityAPI      Capability = "API"
	CapabilityTrigger  Capability = "Webhook"
	CapabilitySource   Capability = "SOURCE"
	CapabilityControl  Capability = "CONTROL"
	CapabilitySecrets  Capability = "SECRETS"
)
