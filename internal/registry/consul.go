package registry

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/hashicorp/consul/api"
)

// ConsulRegistry handles service registration with Consul so the daemon's
// admin and metrics endpoints are discoverable by the monitoring stack.
type ConsulRegistry struct {
	client    *api.Client
	serviceID string
	adminPort int
}

// NewConsulRegistry creates a new Consul registry
func NewConsulRegistry(addr, serviceID, adminPort string) (*ConsulRegistry, error) {
	config := api.DefaultConfig()
	config.Address = addr

	client, err := api.NewClient(config)
	if err != nil {
		return nil, err
	}

	port, err := strconv.Atoi(adminPort)
	if err != nil {
		log.Printf("Warning: Failed to parse admin port, using default 8710: %v", err)
		port = 8710
	}

	return &ConsulRegistry{
		client:    client,
		serviceID: serviceID,
		adminPort: port,
	}, nil
}

// Register registers this daemon with Consul
func (c *ConsulRegistry) Register() error {
	hostname, err := os.Hostname()
	if err != nil {
		log.Printf("Warning: Failed to get hostname, using localhost: %v", err)
		hostname = "localhost"
	}

	registration := &api.AgentServiceRegistration{
		ID:      c.serviceID,
		Name:    "keysafed",
		Port:    c.adminPort,
		Address: hostname,
		Tags:    []string{"keybackup", "metrics"},
		Check: &api.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d/health", hostname, c.adminPort),
			Interval:                       "10s",
			Timeout:                        "3s",
			DeregisterCriticalServiceAfter: "30s",
		},
		Meta: map[string]string{
			"service_id": c.serviceID,
		},
	}

	if err := c.client.Agent().ServiceRegister(registration); err != nil {
		return err
	}

	log.Printf("Registered with Consul: %s", c.serviceID)
	return nil
}

// Deregister removes this daemon from Consul
func (c *ConsulRegistry) Deregister() error {
	if err := c.client.Agent().ServiceDeregister(c.serviceID); err != nil {
		return err
	}

	log.Printf("Deregistered from Consul: %s", c.serviceID)
	return nil
}
