package auth

import "github.com/openacd/openacd/internal/agent"

// devRecords are the logins seeded into the development directory. Not for
// production use.
func devRecords() []*Record {
	return []*Record{
		{
			Login:        "agent",
			PasswordHash: HashPassword("Password123"),
			Security:     agent.SecurityAgent,
			Profile:      "default",
			Skills:       parseSkills([]string{"english", "brand(demo)"}),
		},
		{
			Login:        "supervisor",
			PasswordHash: HashPassword("Password123"),
			Security:     agent.SecuritySupervisor,
			Profile:      "supervisors",
			Skills:       parseSkills([]string{"english"}),
		},
		{
			Login:        "admin",
			PasswordHash: HashPassword("Password123"),
			Security:     agent.SecurityAdmin,
			Profile:      "supervisors",
			Skills:       parseSkills([]string{"english"}),
		},
	}
}
