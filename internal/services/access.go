package services

// Role names match the account system's role strings.
type Role string

const (
	RoleProband           Role = "Proband"
	RoleUntersuchungsteam Role = "Untersuchungsteam"
	RoleForscher          Role = "Forscher"
	RoleProbandenManager  Role = "ProbandenManager"
	RoleSysAdmin          Role = "SysAdmin"
)

// AccessToken is the caller's identity as handed down from the auth
// middleware. Services never look identities up themselves; every operation
// takes the token explicitly.
type AccessToken struct {
	Username string
	Role     Role
	Studies  []string
}

// HasStudyAccess reports whether the token grants access to the given study.
func (t AccessToken) HasStudyAccess(study string) bool {
	for _, s := range t.Studies {
		if s == study {
			return true
		}
	}
	return false
}
