package nat

// keyFunc derives one candidate table key from a concrete query endpoint.
type keyFunc func(query Endpoint) string

// lookupOrder is the precedence of candidate keys tried by Translate. An exact
// rule wins over any wildcard rule, and address:* is tried before *:port.
// *:* is absent because such a rule is never stored.
var lookupOrder = []keyFunc{
	exactKey,
	wildcardPortKey,
	wildcardAddressKey,
}

func exactKey(query Endpoint) string {
	return query.Key()
}

func wildcardPortKey(query Endpoint) string {
	return Endpoint{Address: query.Address, Port: Wildcard}.Key()
}

func wildcardAddressKey(query Endpoint) string {
	return Endpoint{Address: Wildcard, Port: query.Port}.Key()
}

// candidateKeys lists the keys probed for query, in precedence order.
func candidateKeys(query Endpoint) []string {
	keys := make([]string, 0, len(lookupOrder))
	for _, key := range lookupOrder {
		keys = append(keys, key(query))
	}
	return keys
}
