package signupdb

// Version is set at build time with -ldflags "-X github.com/volunteerhub/signupdb.Version=...".
// It is sent to the server as part of the application name.
var Version = "v0.3.0"

// AppName is the default application name reported on login.
func AppName() string {
	return "signupd/" + Version
}
