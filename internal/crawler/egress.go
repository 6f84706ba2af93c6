package crawler

// OrderConfigurations returns both egress configurations in the order they should be tried.
// Allowed URLs go through the residential session first; disallowed URLs start with the
// datacenter proxy. Both are always returned.
func OrderConfigurations(disallowed bool, creds EgressCredentials) [2]EgressConfiguration {
	residential := EgressConfiguration{
		Kind:     EgressResidential,
		Endpoint: creds.ResidentialEndpoint,
	}
	datacenter := EgressConfiguration{
		Kind:  EgressDatacenter,
		Proxy: creds.Datacenter,
	}
	if disallowed {
		return [2]EgressConfiguration{datacenter, residential}
	}
	return [2]EgressConfiguration{residential, datacenter}
}
