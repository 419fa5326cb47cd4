// Code generated by dependgen — DO NOT EDIT.
package adapter_test

import "github.com/srgg/testify/depend"

var AdapterTestSuiteTestRegistry = map[string]func(any){
	"TestEnable_Sequence": func(s any) { s.(*AdapterTestSuite).TestEnable_Sequence() },
	"TestEnable_Twice": func(s any) { s.(*AdapterTestSuite).TestEnable_Twice() },
	"TestEnable_PersistedIdentityIsReused": func(s any) { s.(*AdapterTestSuite).TestEnable_PersistedIdentityIsReused() },
	"TestEnable_SecurityModeFallback": func(s any) { s.(*AdapterTestSuite).TestEnable_SecurityModeFallback() },
	"TestEnable_RPAFailure": func(s any) { s.(*AdapterTestSuite).TestEnable_RPAFailure() },
	"TestEnable_RPATimeoutKeepsPreviousAddress": func(s any) { s.(*AdapterTestSuite).TestEnable_RPATimeoutKeepsPreviousAddress() },
	"TestEnable_PublicPolicySkipsRandomAddress": func(s any) { s.(*AdapterTestSuite).TestEnable_PublicPolicySkipsRandomAddress() },
	"TestEnable_RestoresBondsToResolvingList": func(s any) { s.(*AdapterTestSuite).TestEnable_RestoresBondsToResolvingList() },
	"TestDisable_NotEnabled": func(s any) { s.(*AdapterTestSuite).TestDisable_NotEnabled() },
	"TestDisable_Sequence": func(s any) { s.(*AdapterTestSuite).TestDisable_Sequence() },
	"TestDisable_PersistsPeers": func(s any) { s.(*AdapterTestSuite).TestDisable_PersistsPeers() },
	"TestUpdateResolvingList_PausesAndResumes": func(s any) { s.(*AdapterTestSuite).TestUpdateResolvingList_PausesAndResumes() },
	"TestUpdateResolvingList_IdleRunsEditOnly": func(s any) { s.(*AdapterTestSuite).TestUpdateResolvingList_IdleRunsEditOnly() },
	"TestUpdateResolvingList_RejectedOnDispatcher": func(s any) { s.(*AdapterTestSuite).TestUpdateResolvingList_RejectedOnDispatcher() },
	"TestEndToEnd_ExtendedRPAAdvertisingAndPairing": func(s any) { s.(*AdapterTestSuite).TestEndToEnd_ExtendedRPAAdvertisingAndPairing() },
	"TestReadRemoteRSSI": func(s any) { s.(*AdapterTestSuite).TestReadRemoteRSSI() },
	"TestReadRemoteRSSI_NotConnected": func(s any) { s.(*AdapterTestSuite).TestReadRemoteRSSI_NotConnected() },
	"TestGetDeviceName_Sources": func(s any) { s.(*AdapterTestSuite).TestGetDeviceName_Sources() },
	"TestGetDeviceName_ConcurrentReadsShareOneRequest": func(s any) { s.(*AdapterTestSuite).TestGetDeviceName_ConcurrentReadsShareOneRequest() },
	"TestGetDeviceName_TimeoutDoesNotSerializeCallers": func(s any) { s.(*AdapterTestSuite).TestGetDeviceName_TimeoutDoesNotSerializeCallers() },
	"TestLinkEvents": func(s any) { s.(*AdapterTestSuite).TestLinkEvents() },
	"TestSetBleRoles": func(s any) { s.(*AdapterTestSuite).TestSetBleRoles() },
	"TestIsLlPrivacySupported": func(s any) { s.(*AdapterTestSuite).TestIsLlPrivacySupported() },
}

var AdapterTestSuiteTestOrder = []string{
	"TestEnable_Sequence",
	"TestEnable_Twice",
	"TestEnable_PersistedIdentityIsReused",
	"TestEnable_SecurityModeFallback",
	"TestEnable_RPAFailure",
	"TestEnable_RPATimeoutKeepsPreviousAddress",
	"TestEnable_PublicPolicySkipsRandomAddress",
	"TestEnable_RestoresBondsToResolvingList",
	"TestDisable_NotEnabled",
	"TestDisable_Sequence",
	"TestDisable_PersistsPeers",
	"TestUpdateResolvingList_PausesAndResumes",
	"TestUpdateResolvingList_IdleRunsEditOnly",
	"TestUpdateResolvingList_RejectedOnDispatcher",
	"TestEndToEnd_ExtendedRPAAdvertisingAndPairing",
	"TestReadRemoteRSSI",
	"TestReadRemoteRSSI_NotConnected",
	"TestGetDeviceName_Sources",
	"TestGetDeviceName_ConcurrentReadsShareOneRequest",
	"TestGetDeviceName_TimeoutDoesNotSerializeCallers",
	"TestLinkEvents",
	"TestSetBleRoles",
	"TestIsLlPrivacySupported",
}

var AdapterTestSuiteDependencies = depend.Depends(func(s any) *depend.Dep {
	dep := new(depend.Dep)
	dep.On("TestDisable_Sequence", "TestEnable_Sequence")
	return dep
})

// GeneratedDependConfig returns the dependency configuration for AdapterTestSuite.
// This method allows AdapterTestSuite to be used with depend.RunSuite(t, suite).
// DO NOT implement this method manually - it is auto-generated.
func (s *AdapterTestSuite) GeneratedDependConfig() *depend.SuiteConfig {
	return &depend.SuiteConfig{
		Registry: AdapterTestSuiteTestRegistry,
		Order:    AdapterTestSuiteTestOrder,
		Deps:     AdapterTestSuiteDependencies,
	}
}
