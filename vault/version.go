package vault

// Version of vaultsync
var Version = "v1.2.0-DEV"
