package normalization

import (
	"strings"

	"github.com/lvonguyen/cloudsentry/internal/telemetry"
)

var awsEventNames = map[string]telemetry.EventType{
	"ConsoleLogin":              telemetry.EventTypeLogin,
	"AssumeRole":                telemetry.EventTypeLogin,
	"AssumeRoleWithSAML":        telemetry.EventTypeLogin,
	"AssumeRoleWithWebIdentity": telemetry.EventTypeLogin,
	"GetSessionToken":           telemetry.EventTypeLogin,
	"GetFederationToken":        telemetry.EventTypeLogin,
	"SwitchRole":                telemetry.EventTypeLogin,
	"ExitRole":                  telemetry.EventTypeLogout,

	"AttachUserPolicy":       telemetry.EventTypePermissionChange,
	"AttachRolePolicy":       telemetry.EventTypePermissionChange,
	"AttachGroupPolicy":      telemetry.EventTypePermissionChange,
	"PutUserPolicy":          telemetry.EventTypePermissionChange,
	"PutRolePolicy":          telemetry.EventTypePermissionChange,
	"PutGroupPolicy":         telemetry.EventTypePermissionChange,
	"CreateAccessKey":        telemetry.EventTypePermissionChange,
	"UpdateAssumeRolePolicy": telemetry.EventTypePermissionChange,
	"AddUserToGroup":         telemetry.EventTypePermissionChange,
	"CreateLoginProfile":     telemetry.EventTypePermissionChange,
	"UpdateLoginProfile":     telemetry.EventTypePermissionChange,
	"PutBucketPolicy":        telemetry.EventTypePermissionChange,
	"PutBucketAcl":           telemetry.EventTypePermissionChange,

	"AuthorizeSecurityGroupIngress": telemetry.EventTypeNetwork,
	"AuthorizeSecurityGroupEgress":  telemetry.EventTypeNetwork,
	"RevokeSecurityGroupIngress":    telemetry.EventTypeNetwork,
	"CreateNetworkAclEntry":         telemetry.EventTypeNetwork,

	"GetObject":      telemetry.EventTypeDataAccess,
	"ListObjects":    telemetry.EventTypeDataAccess,
	"ListObjectsV2":  telemetry.EventTypeDataAccess,
	"GetSecretValue": telemetry.EventTypeDataAccess,
	"Decrypt":        telemetry.EventTypeDataAccess,
	"GetParameter":   telemetry.EventTypeDataAccess,
	"GetParameters":  telemetry.EventTypeDataAccess,
}

// Prefix rules for CloudTrail names not listed above, checked in order.
var awsEventPrefixes = []struct {
	prefix string
	typ    telemetry.EventType
}{
	{"Create", telemetry.EventTypeResourceChange},
	{"Delete", telemetry.EventTypeResourceChange},
	{"Update", telemetry.EventTypeResourceChange},
	{"Put", telemetry.EventTypeResourceChange},
	{"Modify", telemetry.EventTypeResourceChange},
	{"Terminate", telemetry.EventTypeResourceChange},
	{"Run", telemetry.EventTypeResourceChange},
	{"Stop", telemetry.EventTypeResourceChange},
	{"Start", telemetry.EventTypeResourceChange},
	{"Get", telemetry.EventTypeAPICall},
	{"List", telemetry.EventTypeAPICall},
	{"Describe", telemetry.EventTypeAPICall},
}

func awsEventType(name string) telemetry.EventType {
	if name == "" {
		return telemetry.EventTypeUnknown
	}
	if t, ok := awsEventNames[name]; ok {
		return t
	}
	for _, rule := range awsEventPrefixes {
		if strings.HasPrefix(name, rule.prefix) {
			return rule.typ
		}
	}
	return telemetry.EventTypeUnknown
}

var azureSignInCategories = map[string]bool{
	"signinlogs":                   true,
	"noninteractiveusersigninlogs": true,
	"serviceprincipalsigninlogs":   true,
	"managedidentitysigninlogs":    true,
}

func azureEventType(operation, category, alertName string) telemetry.EventType {
	op := strings.ToLower(operation)
	cat := strings.ToLower(category)

	switch {
	case alertName != "" || cat == "securityalert":
		return telemetry.EventTypeSecurityAlert
	case azureSignInCategories[cat], strings.Contains(op, "sign-in"):
		return telemetry.EventTypeLogin
	case strings.Contains(op, "sign-out"):
		return telemetry.EventTypeLogout
	case strings.Contains(op, "roleassignments/"),
		strings.Contains(op, "roledefinitions/"),
		strings.Contains(op, "add member to role"):
		return telemetry.EventTypePermissionChange
	case strings.Contains(op, "networksecuritygroups/"), cat == "networksecuritygroupflowevent":
		return telemetry.EventTypeNetwork
	case strings.Contains(op, "listkeys"), strings.HasSuffix(op, "/read"):
		return telemetry.EventTypeDataAccess
	case strings.HasSuffix(op, "/write"), strings.HasSuffix(op, "/delete"):
		return telemetry.EventTypeResourceChange
	case strings.HasSuffix(op, "/action"):
		return telemetry.EventTypeAPICall
	}
	return telemetry.EventTypeUnknown
}

var (
	loginKeywords  = []string{"login", "logon", "sign-in", "signin", "authentication"}
	logoutKeywords = []string{"logout", "logoff", "sign-out"}
)

// keywordEventType classifies unstructured log lines.
func keywordEventType(message string) telemetry.EventType {
	lower := strings.ToLower(message)
	for _, k := range logoutKeywords {
		if strings.Contains(lower, k) {
			return telemetry.EventTypeLogout
		}
	}
	for _, k := range loginKeywords {
		if strings.Contains(lower, k) {
			return telemetry.EventTypeLogin
		}
	}
	return telemetry.EventTypeUnknown
}

func keywordOutcome(message string) telemetry.Outcome {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "fail"), strings.Contains(lower, "denied"), strings.Contains(lower, "invalid"):
		return telemetry.OutcomeFailure
	case strings.Contains(lower, "success"), strings.Contains(lower, "accepted"):
		return telemetry.OutcomeSuccess
	}
	return telemetry.OutcomeUnknown
}
