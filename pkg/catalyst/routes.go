package catalyst

import "fmt"

// route is one entry of the typed RPC surface: an HTTP method plus a path
// template with {param} placeholders.
type route struct {
	method string
	path   string
}

// routes maps resource family and operation to the controller endpoint.
// Request bodies and query strings are camelCase; case transformation happens
// before values reach the client.
var routes = map[string]map[string]route{
	"auth": {
		"token": {"POST", "/dna/system/api/v1/auth/token"},
	},
	"task": {
		"getTaskById": {"GET", "/dna/intent/api/v1/task/{taskId}"},
	},
	"sites": {
		"getSite": {"GET", "/dna/intent/api/v1/site"},
	},
	"credentials": {
		"list":            {"GET", "/dna/intent/api/v1/global-credential"},
		"createCli":       {"POST", "/dna/intent/api/v1/global-credential/cli"},
		"updateCli":       {"PUT", "/dna/intent/api/v1/global-credential/cli"},
		"createSnmpRead":  {"POST", "/dna/intent/api/v1/global-credential/snmpv2-read-community"},
		"updateSnmpRead":  {"PUT", "/dna/intent/api/v1/global-credential/snmpv2-read-community"},
		"createSnmpWrite": {"POST", "/dna/intent/api/v1/global-credential/snmpv2-write-community"},
		"updateSnmpWrite": {"PUT", "/dna/intent/api/v1/global-credential/snmpv2-write-community"},
		"createSnmpV3":    {"POST", "/dna/intent/api/v1/global-credential/snmpv3"},
		"updateSnmpV3":    {"PUT", "/dna/intent/api/v1/global-credential/snmpv3"},
		"createHttpRead":  {"POST", "/dna/intent/api/v1/global-credential/http-read"},
		"updateHttpRead":  {"PUT", "/dna/intent/api/v1/global-credential/http-read"},
		"createHttpWrite": {"POST", "/dna/intent/api/v1/global-credential/http-write"},
		"updateHttpWrite": {"PUT", "/dna/intent/api/v1/global-credential/http-write"},
		"delete":          {"DELETE", "/dna/intent/api/v1/global-credential/{id}"},
		"assignToSite":    {"POST", "/dna/intent/api/v1/credential-to-site/{siteId}"},
		"siteCredentials": {"GET", "/dna/intent/api/v1/device-credential/site/{siteId}"},
	},
	"backup": {
		"listNfs":      {"GET", "/dna/system/api/v1/nfs-configuration"},
		"createNfs":    {"POST", "/dna/system/api/v1/nfs-configuration"},
		"deleteNfs":    {"DELETE", "/dna/system/api/v1/nfs-configuration/{id}"},
		"listBackups":  {"GET", "/dna/system/api/v1/backups"},
		"createBackup": {"POST", "/dna/system/api/v1/backups"},
		"deleteBackup": {"DELETE", "/dna/system/api/v1/backups/{id}"},
	},
	"accesspoint": {
		"listPlanned":   {"GET", "/dna/intent/api/v1/floors/{floorId}/planned-access-points"},
		"createPlanned": {"POST", "/dna/intent/api/v1/floors/{floorId}/planned-access-points"},
		"updatePlanned": {"PUT", "/dna/intent/api/v1/floors/{floorId}/planned-access-points"},
		"deletePlanned": {"DELETE", "/dna/intent/api/v1/floors/{floorId}/planned-access-points/{plannedId}"},
		"listDevices":   {"GET", "/dna/intent/api/v1/network-device"},
		"assignPlanned": {"POST", "/dna/intent/api/v1/floors/{floorId}/planned-access-points/{plannedId}/assign"},
	},
	"pnp": {
		"list":   {"GET", "/dna/intent/api/v1/onboarding/pnp-device"},
		"import": {"POST", "/dna/intent/api/v1/onboarding/pnp-device/import"},
		"claim":  {"POST", "/dna/intent/api/v1/onboarding/pnp-device/site-claim"},
		"delete": {"DELETE", "/dna/intent/api/v1/onboarding/pnp-device/{id}"},
	},
	"reports": {
		"listViewGroups": {"GET", "/dna/intent/api/v1/data/view-groups"},
		"listViews":      {"GET", "/dna/intent/api/v1/data/view-groups/{viewGroupId}/views"},
		"getViewDetail":  {"GET", "/dna/intent/api/v1/data/view-groups/{viewGroupId}/views/{viewId}"},
		"listSchedules":  {"GET", "/dna/intent/api/v1/data/reports"},
		"create":         {"POST", "/dna/intent/api/v1/data/reports"},
		"delete":         {"DELETE", "/dna/intent/api/v1/data/reports/{reportId}"},
		"listExecutions": {"GET", "/dna/intent/api/v1/data/reports/{reportId}/executions"},
		"download":       {"GET", "/dna/intent/api/v1/data/reports/{reportId}/executions/{executionId}"},
		"listWebhooks":   {"GET", "/dna/intent/api/v1/event/subscription-details"},
	},
}

// lookupRoute resolves a family/operation pair or reports a programming
// error; unknown operations are bugs, not runtime conditions.
func lookupRoute(family, op string) (route, error) {
	ops, ok := routes[family]
	if !ok {
		return route{}, fmt.Errorf("unknown resource family %q", family)
	}
	r, ok := ops[op]
	if !ok {
		return route{}, fmt.Errorf("unknown operation %q for family %q", op, family)
	}
	return r, nil
}
