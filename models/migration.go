package models

import (
	"log"

	"github.com/creetelo/admin_backend/config"
	"gorm.io/gorm"
)

// Migrate runs AutoMigrate against an explicit handle (tests pass sqlite).
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{}, &Role{}, &Module{}, &RoleModule{},
		&Comparison{}, &MissingUser{},
		&CancellationTracking{}, &CancellationToken{}, &CancellationSurvey{},
	)
}

func MigrateTable() {
	if err := Migrate(config.GetDB()); err != nil {
		log.Fatal(err)
	}
}
