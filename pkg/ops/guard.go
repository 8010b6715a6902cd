package ops

// DeviceType is where a kernel executes.
type DeviceType int

const (
	Host DeviceType = iota
	Device
)

// String implements fmt.Stringer.
func (dev DeviceType) String() string {
	if dev == Device {
		return "device"
	}
	return "host"
}

// ValidateArgs checks, before a kernel executes on the host or on the device, that none of its
// datasets has its raw memory checked out. It returns an ErrConsistency otherwise.
func ValidateArgs(device DeviceType, args []Arg) error {
	switch device {
	case Host:
		return validateHost(args)
	case Device:
		return validateDevice(args)
	}
	return configErrorf("unknown device type %d", device)
}

func validateHost(args []Arg) error {
	return checkUnlocked(Host, args)
}

func validateDevice(args []Arg) error {
	return checkUnlocked(Device, args)
}

func checkUnlocked(device DeviceType, args []Arg) error {
	for i, arg := range args {
		if arg.Type != ArgTypeDat || arg.Dat == nil {
			continue
		}
		if arg.Dat.lockedHD > 0 {
			return consistencyErrorf("%s kernel argument #%d: dataset %q is locked by %d raw accesses, release them first",
				device, i, arg.Dat.name, arg.Dat.lockedHD)
		}
	}
	return nil
}
