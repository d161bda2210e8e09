package cache

import "fmt"

// 键语义：
// - responseKey(id):               单条 response 的 JSON（String，带 TTL）
// - analyticsKey(scope, name):     聚合分析结果（String，带 TTL）
// - analyticsIndexKey(scope):      该 scope 下所有分析键（Set），失效时整体删除
//
// {} 里的 hash tag 让同一个 company/survey 的分析键和索引落在同一个 slot，Lua 脚本才能在集群下执行

const (
	keyResponseFmt       = "survey:response:{responseID:%d}"
	keyAnalyticsFmt      = "analytics:{%s:%d}:%s"
	keyAnalyticsIndexFmt = "analytics:index:{%s:%d}"
)

const (
	scopeCompany = "company"
	scopeSurvey  = "survey"
)

// Scope 聚合缓存的归属：公司或问卷
type Scope struct {
	Kind string
	ID   uint64
}

func CompanyScope(companyID uint64) Scope { return Scope{Kind: scopeCompany, ID: companyID} }
func SurveyScope(surveyID uint64) Scope   { return Scope{Kind: scopeSurvey, ID: surveyID} }

func (s Scope) String() string { return fmt.Sprintf("%s:%d", s.Kind, s.ID) }

func responseKey(responseID uint64) string { return fmt.Sprintf(keyResponseFmt, responseID) }
func analyticsKey(scope Scope, name string) string {
	return fmt.Sprintf(keyAnalyticsFmt, scope.Kind, scope.ID, name)
}
func analyticsIndexKey(scope Scope) string {
	return fmt.Sprintf(keyAnalyticsIndexFmt, scope.Kind, scope.ID)
}
