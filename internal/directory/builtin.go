package directory

// builtinPrincipals are operational accounts and groups that must not
// be offered for desktop assignment.
var builtinPrincipals = map[string]struct{}{
	"krbtgt":                                   {},
	"Domain Computers":                         {},
	"Domain Controllers":                       {},
	"Schema Admins":                            {},
	"Group Policy Creator Owners":              {},
	"Read-only Domain Controllers":             {},
	"DnsUpdateProxy":                           {},
	"Enterprise Read-only Domain Controllers":  {},
	"Cloneable Domain Controllers":             {},
	"Protected Users":                          {},
	"Certificate Service DCOM Access":          {},
	"Cryptographic Operators":                  {},
	"Distributed COM Users":                    {},
	"Event Log Readers":                        {},
	"Hyper-V Administrators":                   {},
	"IIS_IUSRS":                                {},
	"Network Configuration Operators":          {},
	"Performance Log Users":                    {},
	"Performance Monitor Users":                {},
	"Print Operators":                          {},
	"RDS Endpoint Servers":                     {},
	"RDS Management Servers":                   {},
	"RDS Remote Access Servers":                {},
	"Replicator":                               {},
	"WinRMRemoteWMIUsers__":                    {},
	"Allowed RODC Password Replication Group":  {},
	"Backup Operators":                         {},
	"Cert Publishers":                          {},
	"Denied RODC Password Replication Group":   {},
	"Incoming Forest Trust Builders":           {},
	"Pre-Windows 2000 Compatible Access":       {},
	"RAS and IAS Servers":                      {},
	"Remote Management Users":                  {},
	"Terminal Server License Servers":          {},
	"Users":                                    {},
	"Windows Authorization Access Group":       {},
	"Access Control Assistance Operators":      {},
	"DnsAdmins":                                {},
	"Server Operators":                         {},
}
