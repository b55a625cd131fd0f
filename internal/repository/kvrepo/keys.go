package kvrepo

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	prefixTxn          = "txn:"
	prefixTxnExternal  = "txn-ext:"
	prefixTxnPrincipal = "txn-principal:"
	prefixTxnStatus    = "txn-status:"
	prefixAccount      = "acct:"
	prefixCommission   = "comm:"
	prefixWebhookLog   = "webhook:"
	prefixOutbox       = "outbox:"
)

func txnKey(reference string) []byte {
	return []byte(prefixTxn + reference)
}

func txnExternalKey(externalReference string) []byte {
	return []byte(prefixTxnExternal + externalReference)
}

func txnPrincipalPrefix(principalID int64) []byte {
	return []byte(fmt.Sprintf("%s%020d:", prefixTxnPrincipal, principalID))
}

// txnPrincipalKey 同一账户下按创建时间排序
func txnPrincipalKey(principalID int64, createdAt time.Time, reference string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", txnPrincipalPrefix(principalID), createdAt.UnixNano(), reference))
}

func txnStatusPrefix(status string) []byte {
	return []byte(prefixTxnStatus + status + ":")
}

func txnStatusKey(status string, createdAt time.Time, reference string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", txnStatusPrefix(status), createdAt.UnixNano(), reference))
}

// parseIndexKey 解析 <prefix><nanos>:<reference>
func parseIndexKey(key, prefix []byte) (nanos int64, reference string, err error) {
	rest := strings.TrimPrefix(string(key), string(prefix))
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("索引 key 格式错误: %s", key)
	}
	nanos, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", err
	}
	return nanos, parts[1], nil
}

func accountKey(principalID int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixAccount, principalID))
}

func commissionKey(reference string) []byte {
	return []byte(prefixCommission + reference)
}

func webhookLogKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixWebhookLog, id))
}

func outboxKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixOutbox, id))
}
