package atomdb

import (
	"fmt"
	"strconv"
	"strings"
)

// IonID builds the identifier of stage (1 = neutral) of element symbol, e.g. "fe_9".
func IonID(symbol string, stage int) string {
	return fmt.Sprintf("%s_%d", strings.ToLower(symbol), stage)
}

// ParseIonID splits an ion ID into element symbol and stage.
func ParseIonID(id string) (symbol string, stage int, err error) {
	i := strings.LastIndexByte(id, '_')
	if i <= 0 || i == len(id)-1 {
		return "", 0, fmt.Errorf("malformed ion id %q", id)
	}
	stage, err = strconv.Atoi(id[i+1:])
	if err != nil || stage < 1 {
		return "", 0, fmt.Errorf("malformed ion id %q", id)
	}
	return id[:i], stage, nil
}
