package common

// PackageName is used as the metrics namespace and the default log service tag.
const PackageName = "coaching_backup"

// Version is set at build time with -ldflags "-X github.com/ruteri/coaching-backup/common.Version=..."
var Version = "dev"
