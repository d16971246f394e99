package pluginserver

import (
	"sort"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/dgnsrekt/plugin_bridge/internal/config"
)

// Options is passed to every plugin hook.
type Options struct {
	Name      string
	ShortName string
	Value     string
	Config    *config.Config
	// PluginContext is the value returned by the Initial hook.
	PluginContext any
}

// HookFunc mounts a plugin's handlers on a sub-server router.
type HookFunc func(r chi.Router, opts *Options)

// Handlers are the hooks a plugin provides. Every hook is optional; a
// sub-server is started only for hooks that are set.
type Handlers struct {
	// Initial runs before any sub-server starts.
	Initial func(opts *Options) any

	PluginServer HookFunc
	Server       HookFunc
	TunnelServer HookFunc
	// ConnectServer is an alias of TunnelServer.
	ConnectServer HookFunc

	// StatServer, ReqStatServer and ReqStatsServer alias StatsServer.
	StatServer     HookFunc
	StatsServer    HookFunc
	ReqStatServer  HookFunc
	ReqStatsServer HookFunc
	ResStatServer  HookFunc
	ResStatsServer HookFunc

	// InnerServer and InternalServer alias UIServer.
	UIServer       HookFunc
	InnerServer    HookFunc
	InternalServer HookFunc

	PluginRulesServer HookFunc
	RulesServer       HookFunc
	ReqRulesServer    HookFunc
	ResRulesServer    HookFunc
	TunnelRulesServer HookFunc
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Handlers)
)

// Register makes a plugin available under name. Registering a name twice
// replaces the earlier handlers.
func Register(name string, h Handlers) {
	registryMu.Lock()
	registry[name] = h
	registryMu.Unlock()
}

// Lookup returns the handlers registered under name.
func Lookup(name string) (Handlers, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	h, ok := registry[name]
	return h, ok
}

// Names lists registered plugins.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func firstHook(hooks ...HookFunc) HookFunc {
	for _, h := range hooks {
		if h != nil {
			return h
		}
	}
	return nil
}
