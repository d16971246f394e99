package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// MarkerPrefix starts every header name the proxy injects for plugins.
const MarkerPrefix = "x-whistle-"

// HeaderNames are the proxy-injected headers the plugin reads.
type HeaderNames struct {
	RequestID   string `yaml:"request_id"`
	FullURL     string `yaml:"full_url"`
	RealURL     string `yaml:"real_url"`
	Method      string `yaml:"method"`
	ClientIP    string `yaml:"client_ip"`
	ClientPort  string `yaml:"client_port"`
	RuleValue   string `yaml:"rule_value"`
	GlobalValue string `yaml:"global_value"`
	ProxyValue  string `yaml:"proxy_value"`
	PACValue    string `yaml:"pac_value"`
	HostIP      string `yaml:"host_ip"`
	StatusCode  string `yaml:"status_code"`
	FrameParser string `yaml:"frame_parser"`
}

// DefaultHeaders returns the header names used by the proxy.
func DefaultHeaders() HeaderNames {
	return HeaderNames{
		RequestID:   "x-whistle-req-id",
		FullURL:     "x-whistle-full-url",
		RealURL:     "x-whistle-real-url",
		Method:      "x-whistle-method",
		ClientIP:    "x-forwarded-for",
		ClientPort:  "x-whistle-client-port",
		RuleValue:   "x-whistle-rule-value",
		GlobalValue: "x-whistle-global-value",
		ProxyValue:  "x-whistle-proxy-value",
		PACValue:    "x-whistle-pac-value",
		HostIP:      "x-whistle-host-ip",
		StatusCode:  "x-whistle-status-code",
		FrameParser: "x-whistle-frame-parser",
	}
}

// Merge returns h with every non-empty name of o applied on top.
func (h HeaderNames) Merge(o HeaderNames) HeaderNames {
	pick := func(cur, next string) string {
		if next != "" {
			return strings.ToLower(next)
		}
		return cur
	}
	return HeaderNames{
		RequestID:   pick(h.RequestID, o.RequestID),
		FullURL:     pick(h.FullURL, o.FullURL),
		RealURL:     pick(h.RealURL, o.RealURL),
		Method:      pick(h.Method, o.Method),
		ClientIP:    pick(h.ClientIP, o.ClientIP),
		ClientPort:  pick(h.ClientPort, o.ClientPort),
		RuleValue:   pick(h.RuleValue, o.RuleValue),
		GlobalValue: pick(h.GlobalValue, o.GlobalValue),
		ProxyValue:  pick(h.ProxyValue, o.ProxyValue),
		PACValue:    pick(h.PACValue, o.PACValue),
		HostIP:      pick(h.HostIP, o.HostIP),
		StatusCode:  pick(h.StatusCode, o.StatusCode),
		FrameParser: pick(h.FrameParser, o.FrameParser),
	}
}

// Markers returns the set of header names that are internal to the proxy
// and must not reach plugin code.
func (h HeaderNames) Markers() map[string]bool {
	out := make(map[string]bool)
	for _, name := range []string{
		h.RequestID, h.FullURL, h.RealURL, h.Method, h.ClientIP, h.ClientPort,
		h.RuleValue, h.GlobalValue, h.ProxyValue, h.PACValue, h.HostIP,
		h.StatusCode, h.FrameParser,
	} {
		if strings.HasPrefix(name, MarkerPrefix) {
			out[name] = true
		}
	}
	return out
}

// Options is the optional YAML options file.
type Options struct {
	Headers HeaderNames `yaml:"headers"`
}

// LoadOptions reads a YAML options file.
func LoadOptions(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("options file: %w", err)
	}
	var opts Options
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return nil, fmt.Errorf("options file: %w", err)
	}
	return &opts, nil
}
