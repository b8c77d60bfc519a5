package avahi

// Avahi's D-Bus vocabulary (org.freedesktop.Avahi.*), mirrored here
// instead of imported from a binding: the pack carries no pure-Go Avahi
// D-Bus package, only a cgo one (other_examples/alexpevzner-go-avahi),
// whose object/method/signal names this file reproduces over a plain
// github.com/godbus/dbus/v5 proxy.
const (
	busName    = "org.freedesktop.Avahi"
	serverPath = "/"

	ifaceServer           = "org.freedesktop.Avahi.Server"
	ifaceEntryGroup        = "org.freedesktop.Avahi.EntryGroup"
	ifaceServiceBrowser    = "org.freedesktop.Avahi.ServiceBrowser"
	ifaceServiceResolver   = "org.freedesktop.Avahi.ServiceResolver"
	ifaceHostNameResolver  = "org.freedesktop.Avahi.HostNameResolver"
)

// Interface/protocol sentinels (AVAHI_IF_UNSPEC / AVAHI_PROTO_*).
const (
	ifUnspec    int32 = -1
	protoUnspec int32 = -1
	protoInet   int32 = 0
	protoInet6  int32 = 1
)

// EntryGroup state (AvahiEntryGroupState).
const (
	entryGroupUncommitted int32 = iota
	entryGroupRegistering
	entryGroupEstablished
	entryGroupCollision
	entryGroupFailure
)

// Server state (AvahiServerState).
const (
	serverInvalid int32 = iota
	serverRegistering
	serverRunning
	serverCollision
	serverFailure
)

// Publish flags (AvahiPublishFlags); we only ever need "none".
const publishFlagsNone uint32 = 0

// LookupResultFlags bit for "this result came from our own host", used
// to suppress self-discovery in subscribe loops if a caller ever shares
// one D-Bus connection between a publisher and a subscriber for the
// same record (the srpl glue's self-suppression need, §6 in the spec).
const lookupResultLocal uint32 = 1 << 3
