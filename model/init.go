package model

import "llmdispatch/platform"

func InstallDB() {
	db := platform.DB
	if err := db.AutoMigrate(
		&Message{}); err != nil {
		panic(err)
	}
}
