package device

// hostBLAS is set when an accelerated BLAS implementation has been registered.
var hostBLAS bool

// HostState returns the state the host registers with when switched on.
func HostState() State {
	if hostBLAS {
		return OnAccelerated
	}
	return On
}

// HostBLAS names the BLAS implementation used for host-side math.
func HostBLAS() string {
	if hostBLAS {
		return "netlib"
	}
	return "gonum"
}
