package replica

// AccessController is the request-level permission oracle consulted before a
// client request touches the state machine.
type AccessController interface {
	Allowed(req *OpRequest) bool
}

type allowAllController struct{}

func (allowAllController) Allowed(req *OpRequest) bool { return true }

// MakeAccessController returns the controller for a replica. Deny-listing is
// driven by table envs: "replica.deny_client_request" may be set to
// "reject_all", "reject_write" or "reject_read".
func MakeAccessController(envs map[string]string) AccessController {
	if envs != nil {
		if v, ok := envs["replica.deny_client_request"]; ok {
			return &envDenyController{policy: v}
		}
	}
	return allowAllController{}
}

type envDenyController struct {
	policy string
}

func (c *envDenyController) Allowed(req *OpRequest) bool {
	switch c.policy {
	case "reject_all":
		return false
	case "reject_read":
		return !isReadCode(req.Code)
	case "reject_write":
		return isReadCode(req.Code)
	}
	return true
}
