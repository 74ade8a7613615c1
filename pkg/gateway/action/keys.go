package action

import "strings"

// NormalizeKey rewrites vendor labels for the enter key. The remote key-press
// primitive understands keysyms and "Return" is not one on that surface, so
// any name containing "return" in any case becomes "enter".
func NormalizeKey(key string) string {
	if strings.Contains(strings.ToLower(key), "return") {
		return "enter"
	}
	return key
}

// NormalizeKeys applies NormalizeKey to every key of a chord.
func NormalizeKeys(keys []string) []string {
	if keys == nil {
		return nil
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = NormalizeKey(k)
	}
	return out
}

// KeyList accepts either a single key string or an array of keys in JSON.
type KeyList []string

func (k *KeyList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*k = KeyList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*k = many
	return nil
}
