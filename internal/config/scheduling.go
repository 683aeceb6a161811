package config

import (
	"strconv"
	"strings"
	"time"
)

// ClusterNode describes a peer node in the deployment reachable over
// iSchedule instead of iMIP.
type ClusterNode struct {
	Name   string
	Scheme string
	Host   string
	Port   int
	Prefix string // well-known iSchedule path prefix, e.g. /.well-known/ischedule
}

type IMIPConfig struct {
	Enabled      bool
	SMTPAddr     string
	SMTPUser     string
	SMTPPassword string
	From         string
	NotifierURL  string // alternative JSON handoff; takes precedence over SMTP if set
	Timeout      time.Duration
}

type ISchedConfig struct {
	DKIMSelector    string
	DKIMDomain      string
	DKIMPrivateKey  string // PEM file path
	Timeout         time.Duration
	RequireDKIM     bool
	CapabilitySerial string
}

type SchedulingConfig struct {
	ServerName   string // this node's cluster identity, matched against ClusterNodes keys
	LocalDomains []string
	ClusterNodes map[string]ClusterNode
	IMIP         IMIPConfig
	ISchedule    ISchedConfig
	RetentionTTL time.Duration
}

func (c *SchedulingConfig) IsLocalDomain(domain string) bool {
	domain = strings.ToLower(domain)
	for _, d := range c.LocalDomains {
		if strings.ToLower(d) == domain {
			return true
		}
	}
	return false
}

func loadSchedulingConfig() SchedulingConfig {
	domains := []string{}
	for _, d := range strings.Split(getenv("SCHEDULING_LOCAL_DOMAINS", ""), ",") {
		d = strings.TrimSpace(d)
		if d != "" {
			domains = append(domains, d)
		}
	}

	nodes := map[string]ClusterNode{}
	for i := 0; i < 50; i++ {
		prefix := "SCHEDULING_CLUSTER_NODE_" + strconv.Itoa(i)
		name := getenv(prefix+"_NAME", "")
		if name == "" {
			if len(nodes) == 0 {
				continue
			}
			break
		}
		nodes[name] = ClusterNode{
			Name:   name,
			Scheme: getenv(prefix+"_SCHEME", "https"),
			Host:   getenv(prefix+"_HOST", ""),
			Port:   atoiDefault(getenv(prefix+"_PORT", "443"), 443),
			Prefix: getenv(prefix+"_PREFIX", "/.well-known/ischedule"),
		}
	}

	return SchedulingConfig{
		ServerName:   getenv("SCHEDULING_SERVER_NAME", "node1"),
		LocalDomains: domains,
		ClusterNodes: nodes,
		IMIP: IMIPConfig{
			Enabled:      getenv("SCHEDULING_IMIP_ENABLED", "true") == "true",
			SMTPAddr:     getenv("SCHEDULING_SMTP_ADDR", "localhost:25"),
			SMTPUser:     getenv("SCHEDULING_SMTP_USER", ""),
			SMTPPassword: getenv("SCHEDULING_SMTP_PASSWORD", ""),
			From:         getenv("SCHEDULING_IMIP_FROM", ""),
			NotifierURL:  getenv("SCHEDULING_IMIP_NOTIFIER_URL", ""),
			Timeout:      durationDefault(getenv("SCHEDULING_IMIP_TIMEOUT", "30s"), 30*time.Second),
		},
		ISchedule: ISchedConfig{
			DKIMSelector:     getenv("SCHEDULING_DKIM_SELECTOR", "ischedule"),
			DKIMDomain:       getenv("SCHEDULING_DKIM_DOMAIN", ""),
			DKIMPrivateKey:   getenv("SCHEDULING_DKIM_PRIVATE_KEY", ""),
			Timeout:          durationDefault(getenv("SCHEDULING_ISCHEDULE_TIMEOUT", "15s"), 15*time.Second),
			RequireDKIM:      getenv("SCHEDULING_ISCHEDULE_REQUIRE_DKIM", "true") == "true",
			CapabilitySerial: getenv("SCHEDULING_ISCHEDULE_SERIAL", "1"),
		},
		RetentionTTL: durationDefault(getenv("SCHEDULING_RETENTION", "720h"), 720*time.Hour),
	}
}

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func durationDefault(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
