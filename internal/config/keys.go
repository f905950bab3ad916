package config

// Key is a symbolic configuration key.
type Key string

func (k Key) String() string { return string(k) }

// Namespace prefixes every key the dispatch layer reads.
const Namespace = "jobrelay"

const (
	KeyDefaultType     Key = Namespace + ".spi.default.type"
	KeyAdapterName     Key = Namespace + ".spi.adapter.name"
	KeyAdapterTypes    Key = Namespace + ".spi.adapter.internal.spi.types"
	KeyProxyEnabled    Key = Namespace + ".proxy.enabled"
	KeyInterceptorList Key = Namespace + ".proxy.interceptor.list"
	KeyMonitorEnabled  Key = Namespace + ".monitor.enabled"
	KeyMonitorInterval Key = Namespace + ".monitor.polling.interval"
	KeyMonitorFixed    Key = Namespace + ".monitor.polling.interval.fixed"
	KeyExecutablePath  Key = Namespace + ".condition.executable.path"
)

const (
	TypeMapPrefix         = Namespace + ".spi.type.map."
	ConditionPrefix       = Namespace + ".spi.adapter.internal.spi.condition."
	OverridePrefix        = Namespace + ".spi.adapter.configuration.override."
	InterceptorTypePrefix = Namespace + ".proxy.interceptor.type."
	StablePrefix          = Namespace + ".spi."
	StableSuffix          = ".stable"
)

// TypeMapKey returns the key mapping a logical backend id to its
// implementation name.
func TypeMapKey(id string) string { return TypeMapPrefix + id }

// ConditionKey returns the key of a backend's explicit condition block.
func ConditionKey(id string) string { return ConditionPrefix + id }

// StableKey returns the stability flag key of a backend.
func StableKey(id string) string { return StablePrefix + id + StableSuffix }

// InterceptorTypeKey returns the key naming an interceptor's implementation.
func InterceptorTypeKey(name string) string { return InterceptorTypePrefix + name }

// BackendKey builds a backend-scoped key template, e.g. BackendKey("dsn")
// is "jobrelay.spi.{0}.dsn".
func BackendKey(suffix string) string {
	return Namespace + ".spi." + PropertyPart + "." + suffix
}
