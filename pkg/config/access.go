package config

// DefaultAccessModel matches an admin role against a route pattern and a
// method regex.
const DefaultAccessModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && keyMatch2(r.obj, p.obj) && regexMatch(r.act, p.act)
`

const DefaultAccessPolicy = `
p, admin, /api/admin/*, ^(GET|POST|PATCH)$
p, auditor, /api/admin/audit, ^GET$
p, auditor, /api/admin/audit/*, ^GET$
p, auditor, /api/admin/keys, ^GET$
p, auditor, /api/admin/keys/:id, ^GET$
p, auditor, /api/admin/applications, ^GET$
p, auditor, /api/admin/applications/:id, ^GET$
`
