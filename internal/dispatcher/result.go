package dispatcher

// ResultCode is the integer-valued result of an RPC operation. The
// client-side-only codes (-100 stopped by user, -101 transport failure)
// are never produced here; they belong to the RPC client, not the
// daemon.
type ResultCode int

const (
	Succeeded ResultCode = iota
	Failed
	Blocked
	InvalidControlIP
	TelescopeNotInitialized
	TelescopeNotUninitialized
	TelescopeNotHomed
	OutsideHALimits
	OutsideDecLimits
	SecuritySystemTripped
	CannotCommunicateWithSecuritySystem
)

var resultLabels = map[ResultCode]string{
	Succeeded:                           "Succeeded",
	Failed:                              "Failed",
	Blocked:                             "Blocked",
	InvalidControlIP:                    "InvalidControlIP",
	TelescopeNotInitialized:             "TelescopeNotInitialized",
	TelescopeNotUninitialized:           "TelescopeNotUninitialized",
	TelescopeNotHomed:                   "TelescopeNotHomed",
	OutsideHALimits:                     "OutsideHALimits",
	OutsideDecLimits:                    "OutsideDecLimits",
	SecuritySystemTripped:               "SecuritySystemTripped",
	CannotCommunicateWithSecuritySystem: "CannotCommunicateWithSecuritySystem",
}

func (r ResultCode) String() string {
	if l, ok := resultLabels[r]; ok {
		return l
	}
	return "Unknown"
}
