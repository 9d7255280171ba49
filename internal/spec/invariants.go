package spec

import "path"

// Invariants configures the cross-document checks run before every build.
type Invariants struct {
	RequiresGuidelines bool                  `json:"requires_guidelines"`
	Frontend           FrontendInvariants    `json:"frontend"`
	Backend            BackendInvariants     `json:"backend"`
	Contracts          ContractInvariants    `json:"contracts"`
	SecurityPolicy     *SecurityPolicySpec   `json:"security_policy"`
	EndpointSecurity   *EndpointSecuritySpec `json:"endpoint_security"`
}

// FrontendInvariants locates the frontend manifest and the ids it must list.
type FrontendInvariants struct {
	ManifestPath        string              `json:"manifest_path"`
	RequiredManifestIDs map[string][]string `json:"required_manifest_ids"`
}

// BackendInvariants locates the backend manifest. An optional backend may be
// absent entirely.
type BackendInvariants struct {
	ManifestPath        string              `json:"manifest_path"`
	Optional            bool                `json:"optional"`
	RequiredManifestIDs map[string][]string `json:"required_manifest_ids"`
}

// ContractInvariants groups the client/server contracts to cross-check.
type ContractInvariants struct {
	Auth *AuthContractSpec `json:"auth"`
}

// AuthContractSpec describes how the auth contract is compared to endpoints.
type AuthContractSpec struct {
	Path               string   `json:"path"`
	BackendEndpointDir string   `json:"backend_endpoint_dir"`
	Operations         []string `json:"operations"`
	CompareFields      []string `json:"compare_fields"`
}

// SecurityPolicySpec lists the mandatory parts of the security policy.
type SecurityPolicySpec struct {
	Path                 string   `json:"path"`
	RequiredKeys         []string `json:"required_keys"`
	RequiredJWTKeys      []string `json:"required_jwt_keys"`
	RequireCORSAllowlist bool     `json:"require_cors_allowlist"`
}

// EndpointSecuritySpec configures the secure-by-default endpoint rules.
type EndpointSecuritySpec struct {
	BackendEndpointDir        string `json:"backend_endpoint_dir"`
	RequireJWTLogic           string `json:"require_jwt_logic"`
	RequireHashLogic          string `json:"require_hash_logic"`
	RequireTokenLogic         string `json:"require_token_logic"`
	PublicFlag                string `json:"public_flag"`
	RequireExplicitPublicFlag bool   `json:"require_explicit_public_flag"`
}

// DefaultPublicFlag is the endpoint field marking unauthenticated access.
const DefaultPublicFlag = "public"

// PublicFlag returns the configured public flag field name.
func (inv *Invariants) PublicFlag() string {
	if inv.EndpointSecurity != nil && inv.EndpointSecurity.PublicFlag != "" {
		return inv.EndpointSecurity.PublicFlag
	}
	return DefaultPublicFlag
}

// EndpointDir returns the directory holding endpoint documents: the endpoint
// security dir, else the auth contract's endpoint dir, else "endpoints" next
// to the backend manifest.
func (inv *Invariants) EndpointDir() string {
	if inv.EndpointSecurity != nil && inv.EndpointSecurity.BackendEndpointDir != "" {
		return inv.EndpointSecurity.BackendEndpointDir
	}
	if inv.Contracts.Auth != nil && inv.Contracts.Auth.BackendEndpointDir != "" {
		return inv.Contracts.Auth.BackendEndpointDir
	}
	return path.Join(path.Dir(inv.Backend.ManifestPath), "endpoints")
}
