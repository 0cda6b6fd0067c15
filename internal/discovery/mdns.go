// ABOUTME: mDNS service discovery for audera players
// ABOUTME: Players advertise _audera._tcp, the streamer browses for them in bounded scans
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/mdns"
	"go.uber.org/zap"
)

const (
	ServiceType = "_audera._tcp"
	Domain      = "local."

	defaultScanTimeout = 2 * time.Second
)

// Service is one player found by a browse
type Service struct {
	ID       string
	Name     string
	Instance string
	Host     string
	Port     int
	Version  int
}

// Addr returns host:port for dialing.
func (s Service) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Browser finds players on the network
type Browser interface {
	Browse(ctx context.Context) ([]Service, error)
}

// PlayerID derives the stable player identity from a MAC address.
func PlayerID(mac string) string {
	clean := strings.ToLower(strings.ReplaceAll(mac, ":", ""))
	return uuid.NewMD5(uuid.NameSpaceDNS, []byte(clean)).String()
}

// LocalPlayerID derives the identity from the first interface with a
// hardware address, falling back to the hostname.
func LocalPlayerID() string {
	ifaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
				continue
			}
			return PlayerID(iface.HardwareAddr.String())
		}
	}
	host, _ := os.Hostname()
	return uuid.NewMD5(uuid.NameSpaceDNS, []byte(host)).String()
}

// AdvertiserConfig describes the service a player announces
type AdvertiserConfig struct {
	ID      string
	Name    string
	Port    int
	Version int
	// Host defaults to the machine hostname
	Host string
}

// Advertiser announces a player over mDNS
type Advertiser struct {
	cfg AdvertiserConfig
	log *zap.SugaredLogger

	mu     sync.Mutex
	server *mdns.Server
}

func NewAdvertiser(cfg AdvertiserConfig, log *zap.SugaredLogger) *Advertiser {
	if cfg.Host == "" {
		cfg.Host, _ = os.Hostname()
	}
	return &Advertiser{cfg: cfg, log: log}
}

// InstanceName is the mDNS instance, <name>@<host>.
func (a *Advertiser) InstanceName() string {
	return instanceName(a.cfg.Name, a.cfg.Host)
}

func instanceName(name, host string) string {
	host = strings.TrimSuffix(host, ".local")
	return name + "@" + host
}

func txtRecords(cfg AdvertiserConfig) []string {
	return []string{
		"id=" + cfg.ID,
		"name=" + cfg.Name,
		"v=" + strconv.Itoa(cfg.Version),
	}
}

// Start begins answering mDNS queries.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return nil
	}

	ips, err := getLocalIPs()
	if err != nil {
		return fmt.Errorf("failed to get local IPs: %w", err)
	}

	service, err := mdns.NewMDNSService(
		a.InstanceName(),
		ServiceType,
		Domain,
		"",
		a.cfg.Port,
		ips,
		txtRecords(a.cfg),
	)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to create mdns server: %w", err)
	}
	a.server = server

	a.log.Infow("advertising mDNS service",
		"instance", a.InstanceName(), "type", ServiceType, "port", a.cfg.Port, "id", a.cfg.ID)
	return nil
}

// Shutdown stops advertising.
func (a *Advertiser) Shutdown() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server == nil {
		return nil
	}
	err := a.server.Shutdown()
	a.server = nil
	return err
}

// MDNSBrowser scans the local network for advertised players
type MDNSBrowser struct {
	// Timeout bounds one scan
	Timeout time.Duration
	log     *zap.SugaredLogger
}

func NewMDNSBrowser(timeout time.Duration, log *zap.SugaredLogger) *MDNSBrowser {
	if timeout <= 0 {
		timeout = defaultScanTimeout
	}
	return &MDNSBrowser{Timeout: timeout, log: log}
}

// Browse runs one scan and returns every player that answered, keyed by id
// so a player seen on several addresses appears once.
func (b *MDNSBrowser) Browse(ctx context.Context) ([]Service, error) {
	entries := make(chan *mdns.ServiceEntry, 32)
	seen := make(map[string]Service)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			svc, ok := parseEntry(entry)
			if !ok {
				continue
			}
			if _, dup := seen[svc.ID]; !dup {
				b.log.Debugw("discovered player", "id", svc.ID, "name", svc.Name, "addr", svc.Addr())
			}
			seen[svc.ID] = svc
		}
	}()

	params := mdns.DefaultParams(ServiceType)
	params.Domain = strings.TrimSuffix(Domain, ".")
	params.Timeout = b.Timeout
	params.Entries = entries
	params.DisableIPv6 = true

	err := mdns.QueryContext(ctx, params)
	close(entries)
	<-done

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("mdns query failed: %w", err)
	}

	services := make([]Service, 0, len(seen))
	for _, svc := range seen {
		services = append(services, svc)
	}
	return services, ctx.Err()
}

// parseEntry turns an mDNS answer into a Service. Entries for other
// service types or without an IPv4 address are skipped.
func parseEntry(entry *mdns.ServiceEntry) (Service, bool) {
	if entry == nil || entry.AddrV4 == nil || entry.Port == 0 {
		return Service{}, false
	}

	suffix := "." + ServiceType + "." + Domain
	if !strings.HasSuffix(entry.Name, suffix) {
		return Service{}, false
	}
	instance := strings.ReplaceAll(strings.TrimSuffix(entry.Name, suffix), `\`, "")

	svc := Service{
		Instance: instance,
		Host:     entry.AddrV4.String(),
		Port:     entry.Port,
	}
	for _, field := range entry.InfoFields {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "id":
			svc.ID = value
		case "name":
			svc.Name = value
		case "v":
			svc.Version, _ = strconv.Atoi(value)
		}
	}

	if svc.ID == "" {
		svc.ID = instance
	}
	if svc.Name == "" {
		svc.Name, _, _ = strings.Cut(instance, "@")
	}
	return svc, true
}

// getLocalIPs returns local IPv4 addresses
func getLocalIPs() ([]net.IP, error) {
	var ips []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ipnet.IP.To4() != nil {
					ips = append(ips, ipnet.IP)
				}
			}
		}
	}

	return ips, nil
}
