package bridge

// Script file names under scripts.folder. The scripts own the broker
// SDK calls; catalogd only knows their names and wire protocol.
const (
	ScriptCreateCatalog     = "CreateCatalogAndDesktopGroup.ps1"
	ScriptAddMachines       = "AddMachineToCatalogAndDesktopGroup.ps1"
	ScriptDeleteCatalog     = "DeleteCatalogAndDesktopGroup.ps1"
	ScriptGetCatalogs       = "GetCatalogs.ps1"
	ScriptGetDesktopGroups  = "GetDesktopGroups.ps1"
	ScriptGetProvSchemes    = "GetProvSchemes.ps1"
	ScriptGetAccessPolicies = "GetDesktopGroupsAccessPolicy.ps1"
	ScriptGetMachines       = "GetMachines.ps1"
	ScriptSetMachinePower   = "SetMachinePowerState.ps1"
	ScriptGetDirectoryUsers = "GetDirectoryUsers.ps1"
	ScriptGetDirectoryEmail = "GetDirectoryUserEmail.ps1"
	ScriptTestAccess        = "TestScript.ps1"
)
