package control

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the DNS-SD service type the control API is announced as.
const ServiceType = "_voxrelay._tcp"

// Advertise announces the control API on the local network so hotkey tools
// can find it without configuration. An empty instance uses the host name.
// Call the returned function to withdraw the announcement.
func Advertise(instance string, port int, txt []string) (func(), error) {
	if instance == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "voxrelay"
		}
		instance = host
	}

	srv, err := zeroconf.Register(instance, ServiceType, "local.", port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("control: mdns register: %w", err)
	}
	slog.Info("mDNS service announced", "instance", instance, "service", ServiceType, "port", port)
	return srv.Shutdown, nil
}

// PortOf returns the TCP port of a listen address such as ":8080" or
// "127.0.0.1:8080".
func PortOf(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("control: listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("control: listen address %q: invalid port", addr)
	}
	return port, nil
}
